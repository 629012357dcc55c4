package email

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/agentmail/internal/model"
)

// mimePart is a node of the outgoing MIME tree.
type mimePart struct {
	header   message.Header
	body     []byte
	children []*mimePart
}

// outgoing is a rendered message ready for submission.
type outgoing struct {
	raw        []byte
	messageID  string
	threadID   string
	recipients []string
}

// buildMessage renders payload as an RFC 5322 message from sender.
// Bcc recipients are returned for the envelope but never written to the
// headers.
func buildMessage(sender string, p model.ComposePayload, now time.Time) (*outgoing, error) {
	to, err := parseAddresses(p.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddresses(p.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := parseAddresses(p.Bcc)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: sender}})
	h.SetAddressList("To", to)
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(p.Subject)

	messageID := uuid.New().String() + "@" + senderDomain(sender)
	h.SetMessageID(messageID)

	inReplyTo := normalizeMsgID(p.InReplyTo)
	references := make([]string, 0, len(p.References))
	for _, ref := range p.References {
		if ref = normalizeMsgID(ref); ref != "" {
			references = append(references, ref)
		}
	}
	if inReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{inReplyTo})
	}
	if len(references) > 0 {
		h.SetMsgIDList("References", references)
	}
	h.Set("MIME-Version", "1.0")

	root, err := buildTree(p)
	if err != nil {
		return nil, err
	}
	fields := h.Fields()
	for fields.Next() {
		root.header.Add(fields.Key(), fields.Value())
	}

	var buf bytes.Buffer
	if err := writeTree(&buf, root); err != nil {
		return nil, fmt.Errorf("writing message: %w", err)
	}

	var recipients []string
	for _, list := range [][]*mail.Address{to, cc, bcc} {
		for _, a := range list {
			recipients = append(recipients, a.Address)
		}
	}

	thread := strings.TrimSpace(p.ThreadID)
	if thread == "" {
		var inReplyToList []string
		if inReplyTo != "" {
			inReplyToList = []string{inReplyTo}
		}
		thread = threadID(messageID, inReplyToList, references)
	}

	return &outgoing{
		raw:        buf.Bytes(),
		messageID:  messageID,
		threadID:   thread,
		recipients: recipients,
	}, nil
}

// buildTree lays out the body alternatives, inline parts and
// attachments as nested multiparts, omitting any level that is empty.
func buildTree(p model.ComposePayload) (*mimePart, error) {
	var bodies []*mimePart
	if p.TextBody != "" || p.HTMLBody == "" {
		bodies = append(bodies, textPart("text/plain", p.TextBody))
	}
	if p.HTMLBody != "" {
		bodies = append(bodies, textPart("text/html", p.HTMLBody))
	}
	body := bodies[0]
	if len(bodies) > 1 {
		body = multipart("multipart/alternative", bodies...)
	}

	var inline, attached []*mimePart
	for _, a := range p.Attachments {
		part, err := attachmentPart(a)
		if err != nil {
			return nil, err
		}
		if a.Inline {
			inline = append(inline, part)
		} else {
			attached = append(attached, part)
		}
	}

	if len(inline) > 0 {
		body = multipart("multipart/related", append([]*mimePart{body}, inline...)...)
	}
	if len(attached) > 0 {
		body = multipart("multipart/mixed", append([]*mimePart{body}, attached...)...)
	}
	return body, nil
}

func textPart(contentType, text string) *mimePart {
	var h message.Header
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return &mimePart{header: h, body: []byte(text)}
}

func multipart(contentType string, children ...*mimePart) *mimePart {
	var h message.Header
	h.SetContentType(contentType, nil)
	return &mimePart{header: h, children: children}
}

func attachmentPart(a model.Attachment) (*mimePart, error) {
	data, err := a.Decode()
	if err != nil {
		return nil, err
	}

	contentType := strings.TrimSpace(a.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var h message.Header
	params := map[string]string{}
	if a.Filename != "" {
		params["name"] = a.Filename
	}
	h.SetContentType(contentType, params)

	disposition := "attachment"
	if a.Inline {
		disposition = "inline"
	}
	dispParams := map[string]string{}
	if a.Filename != "" {
		dispParams["filename"] = a.Filename
	}
	h.SetContentDisposition(disposition, dispParams)
	h.Set("Content-Transfer-Encoding", "base64")
	if cid := strings.Trim(strings.TrimSpace(a.CID), "<>"); cid != "" {
		h.Set("Content-Id", "<"+cid+">")
	}
	return &mimePart{header: h, body: data}, nil
}

func writeTree(buf *bytes.Buffer, root *mimePart) error {
	w, err := message.CreateWriter(buf, root.header)
	if err != nil {
		return err
	}
	if err := writeContent(w, root); err != nil {
		return err
	}
	return w.Close()
}

func writeContent(w *message.Writer, p *mimePart) error {
	if len(p.children) == 0 {
		_, err := w.Write(p.body)
		return err
	}
	for _, child := range p.children {
		cw, err := w.CreatePart(child.header)
		if err != nil {
			return err
		}
		if err := writeContent(cw, child); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// parseAddresses parses each entry as an RFC 5322 address.
func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, &model.PolicyViolation{
				Rule:    model.RuleInvalidRecipient,
				Message: fmt.Sprintf("invalid recipient address %q", raw),
			}
		}
		out = append(out, addr)
	}
	return out, nil
}

func senderDomain(addr string) string {
	if d := model.EmailDomain(addr); d != "" {
		return d
	}
	return "localhost"
}
