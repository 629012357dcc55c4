package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	nettextproto "net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/agentmail/internal/model"
)

const inbox = "INBOX"

// snippetFetchBytes is how much of each message body is fetched to build
// a search snippet.
const snippetFetchBytes = 16 * 1024

// threadHeaders are the fields needed to place a message in a thread.
var threadHeaders = []string{"Message-Id", "In-Reply-To", "References"}

// security selects how a connection is protected.
type security int

const (
	securityTLS security = iota
	securityStartTLS
	securityNone
)

// securityForPort picks implicit TLS unless the port is a well-known
// STARTTLS port.
func securityForPort(port int) security {
	switch port {
	case 143, 587, 25:
		return securityStartTLS
	default:
		return securityTLS
	}
}

// IMAPClient wraps go-imap v2 for connecting to and querying an INBOX.
// Every operation opens its own session and logs out when done.
type IMAPClient struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
	security security
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(host string, port int, username, password string, timeout time.Duration) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		timeout:  timeout,
		security: securityForPort(port),
	}
}

// Connect dials the server, authenticates and returns the logged-in
// client. The caller must log out.
func (c *IMAPClient) Connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	conn, err := dialContext(ctx, addr, c.timeout)
	if err != nil {
		return nil, retrievalError(fmt.Errorf("dialing %s: %w", addr, err))
	}

	tlsConfig := &tls.Config{ServerName: c.host}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	var client *imapclient.Client
	switch c.security {
	case securityTLS:
		client = imapclient.New(tls.Client(conn, tlsConfig), opts)
	case securityStartTLS:
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, retrievalError(fmt.Errorf("STARTTLS with %s: %w", addr, err))
		}
	default:
		client = imapclient.New(conn, opts)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Close()
		return nil, retrievalError(fmt.Errorf("authentication failed for %s: %w", c.username, err))
	}

	return client, nil
}

// Validate logs in and opens INBOX read-only.
func (c *IMAPClient) Validate(ctx context.Context) error {
	client, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer logout(client)

	if _, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return retrievalError(fmt.Errorf("selecting INBOX: %w", err))
	}
	return nil
}

// Search runs q against INBOX and returns up to limit messages, newest
// first by UID. Only a prefix of each body is fetched.
func (c *IMAPClient) Search(ctx context.Context, q Query, limit int) ([]parsedMessage, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer logout(client)

	if _, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, retrievalError(fmt.Errorf("selecting INBOX: %w", err))
	}

	searchData, err := client.UIDSearch(q.Criteria(), nil).Wait()
	if err != nil {
		return nil, retrievalError(fmt.Errorf("searching messages: %w", err))
	}
	uids := sortDescending(searchData.AllUIDs())
	if len(uids) == 0 {
		return nil, nil
	}

	if q.HasAttachment {
		uids, err = filterWithAttachments(client, uids)
		if err != nil {
			return nil, err
		}
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	if len(uids) == 0 {
		return nil, nil
	}

	headerSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: threadHeaders,
		Peek:         true,
	}
	bodySection := &imap.FetchItemBodySection{
		Peek:    true,
		Partial: &imap.SectionPartial{Offset: 0, Size: snippetFetchBytes},
	}
	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
		BodySection:   []*imap.FetchItemBodySection{headerSection, bodySection},
	}

	bufs, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, retrievalError(fmt.Errorf("fetching messages: %w", err))
	}

	byUID := make(map[imap.UID]*imapclient.FetchMessageBuffer, len(bufs))
	for _, buf := range bufs {
		byUID[buf.UID] = buf
	}

	messages := make([]parsedMessage, 0, len(uids))
	for _, uid := range uids {
		buf, ok := byUID[uid]
		if !ok {
			continue
		}
		msg := messageFromBuffer(buf)
		applyThreadHeaders(&msg, sectionBytes(buf, imap.PartSpecifierHeader))
		if raw := sectionBytes(buf, imap.PartSpecifierNone); raw != nil {
			body := parseMIME(raw)
			msg.TextBody = body.TextBody
			msg.HTMLBody = body.HTMLBody
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Fetch returns the complete message with the given UID, or a
// ProtocolError when there is no such message.
func (c *IMAPClient) Fetch(ctx context.Context, uid uint32) (*parsedMessage, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer logout(client)

	if _, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, retrievalError(fmt.Errorf("selecting INBOX: %w", err))
	}
	return fetchFull(client, imap.UID(uid))
}

// maxHeaderCandidates bounds how many search hits FindByHeader fetches
// while looking for an exact match.
const maxHeaderCandidates = 20

// FindByHeader returns the newest message whose header key matches value
// exactly, or nil when nothing matches. IMAP header search is a substring
// match, so every hit is fetched and checked.
func (c *IMAPClient) FindByHeader(ctx context.Context, key, value string) (*parsedMessage, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer logout(client)

	if _, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, retrievalError(fmt.Errorf("selecting INBOX: %w", err))
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: value}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, retrievalError(fmt.Errorf("searching %s: %w", key, err))
	}
	uids := sortDescending(searchData.AllUIDs())
	if len(uids) > maxHeaderCandidates {
		uids = uids[:maxHeaderCandidates]
	}
	for _, uid := range uids {
		msg, err := fetchFull(client, uid)
		if err != nil {
			return nil, err
		}
		if headerMatches(msg, key, value) {
			return msg, nil
		}
	}
	return nil, nil
}

// headerMatches reports whether msg carries value in header key. Message
// ids compare without angle brackets; other headers are trusted to the
// server's search.
func headerMatches(msg *parsedMessage, key, value string) bool {
	want := normalizeMsgID(value)
	switch strings.ToLower(key) {
	case "message-id":
		return normalizeMsgID(msg.MessageID) == want
	case "references":
		return containsMsgID(msg.References, want)
	case "in-reply-to":
		return containsMsgID(msg.InReplyTo, want)
	default:
		return true
	}
}

func containsMsgID(ids []string, want string) bool {
	for _, id := range ids {
		if normalizeMsgID(id) == want {
			return true
		}
	}
	return false
}

func fetchFull(client *imapclient.Client, uid imap.UID) (*parsedMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
		BodySection:   []*imap.FetchItemBodySection{bodySection},
	}

	bufs, err := client.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, retrievalError(fmt.Errorf("fetching message %d: %w", uid, err))
	}
	if len(bufs) == 0 {
		return nil, &model.ProtocolError{Message: fmt.Sprintf("message %d not found", uid)}
	}

	buf := bufs[0]
	msg := messageFromBuffer(buf)
	raw := sectionBytes(buf, imap.PartSpecifierNone)
	if raw == nil {
		return nil, &model.ProtocolError{Message: fmt.Sprintf("message %d has no body", uid)}
	}

	full := parseMIME(raw)
	if full.headerErr != nil {
		return nil, &model.ProtocolError{
			Message: fmt.Sprintf("parsing message %d", uid),
			Err:     full.headerErr,
		}
	}
	msg.MessageID = firstNonEmpty(full.MessageID, msg.MessageID)
	msg.InReplyTo = full.InReplyTo
	msg.References = full.References
	msg.Subject = firstNonEmpty(full.Subject, msg.Subject)
	if msg.Date.IsZero() {
		msg.Date = full.Date
	}
	msg.From = preferAddresses(full.From, msg.From)
	msg.ReplyTo = preferAddresses(full.ReplyTo, msg.ReplyTo)
	msg.To = preferAddresses(full.To, msg.To)
	msg.Cc = preferAddresses(full.Cc, msg.Cc)
	msg.Bcc = preferAddresses(full.Bcc, msg.Bcc)
	msg.TextBody = full.TextBody
	msg.HTMLBody = full.HTMLBody
	msg.Attachments = full.Attachments
	msg.Headers = full.Headers
	msg.HasAttachments = msg.HasAttachments || len(full.Attachments) > 0
	return &msg, nil
}

// filterWithAttachments keeps the UIDs whose body structure carries an
// attachment, preserving order.
func filterWithAttachments(client *imapclient.Client, uids []imap.UID) ([]imap.UID, error) {
	bufs, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}).Collect()
	if err != nil {
		return nil, retrievalError(fmt.Errorf("fetching body structures: %w", err))
	}

	with := make(map[imap.UID]bool, len(bufs))
	for _, buf := range bufs {
		with[buf.UID] = hasAttachment(buf.BodyStructure)
	}
	kept := uids[:0]
	for _, uid := range uids {
		if with[uid] {
			kept = append(kept, uid)
		}
	}
	return kept, nil
}

// hasAttachment reports whether any leaf part is marked as an attachment
// or carries a file name.
func hasAttachment(bs imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	found := false
	bs.Walk(func(_ []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return !found
		}
		var disp *imap.BodyStructureDisposition
		if single.Extended != nil {
			disp = single.Extended.Disposition
		}
		switch {
		case disp != nil && strings.EqualFold(disp.Value, "attachment"):
			found = true
		case !strings.EqualFold(single.Type, "text") && partFilename(single, disp) != "":
			found = true
		}
		return !found
	})
	return found
}

func partFilename(part *imap.BodyStructureSinglePart, disp *imap.BodyStructureDisposition) string {
	if disp != nil {
		if name := lookupParam(disp.Params, "filename"); name != "" {
			return name
		}
	}
	return lookupParam(part.Params, "name")
}

func lookupParam(params map[string]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// sectionBytes returns the first fetched body section with the given
// specifier at the top level, ignoring header field lists and partial
// ranges.
func sectionBytes(buf *imapclient.FetchMessageBuffer, specifier imap.PartSpecifier) []byte {
	for _, section := range buf.BodySection {
		if section.Section != nil && section.Section.Specifier == specifier && len(section.Section.Part) == 0 {
			return section.Bytes
		}
	}
	return nil
}

// messageFromBuffer extracts the envelope fields of a fetched message.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) parsedMessage {
	msg := parsedMessage{
		UID:            uint32(buf.UID),
		HasAttachments: hasAttachment(buf.BodyStructure),
	}

	if env := buf.Envelope; env != nil {
		msg.MessageID = normalizeMsgID(env.MessageID)
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.From = envelopeAddresses(env.From)
		msg.ReplyTo = envelopeAddresses(env.ReplyTo)
		msg.To = envelopeAddresses(env.To)
		msg.Cc = envelopeAddresses(env.Cc)
		msg.Bcc = envelopeAddresses(env.Bcc)
	}

	for _, flag := range buf.Flags {
		msg.Flags = append(msg.Flags, string(flag))
	}
	return msg
}

func envelopeAddresses(list []imap.Address) []*mail.Address {
	var out []*mail.Address
	for _, a := range list {
		addr := a.Addr()
		if addr == "" {
			continue
		}
		out = append(out, &mail.Address{Name: a.Name, Address: addr})
	}
	return out
}

// applyThreadHeaders fills the thread ids from a HEADER.FIELDS section.
func applyThreadHeaders(msg *parsedMessage, raw []byte) {
	if len(raw) == 0 {
		return
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return
	}
	h := mail.Header{Header: message.Header{Header: th}}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	}
	msg.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	msg.References, _ = h.MsgIDList("References")
}

// parsedBody is the result of parsing a raw RFC 5322 message.
type parsedBody struct {
	MessageID   string
	InReplyTo   []string
	References  []string
	Subject     string
	Date        time.Time
	From        []*mail.Address
	ReplyTo     []*mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	Bcc         []*mail.Address
	TextBody    string
	HTMLBody    string
	Attachments []attachmentInfo
	Headers     map[string]string
	headerErr   error
}

// parseMIME parses raw with go-message. It is lenient about truncated
// input: whatever was read before an error is kept.
func parseMIME(raw []byte) parsedBody {
	var out parsedBody

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		out.headerErr = err
		out.TextBody = string(raw)
		return out
	}
	defer mr.Close()

	h := mr.Header
	out.MessageID, _ = h.MessageID()
	out.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	out.References, _ = h.MsgIDList("References")
	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	out.Date, _ = h.Date()
	out.From, _ = h.AddressList("From")
	out.ReplyTo, _ = h.AddressList("Reply-To")
	out.To, _ = h.AddressList("To")
	out.Cc, _ = h.AddressList("Cc")
	out.Bcc, _ = h.AddressList("Bcc")
	out.Headers = headerMap(h)

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && len(body) == 0 {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") || contentType == "":
				if out.TextBody == "" {
					out.TextBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if out.HTMLBody == "" {
					out.HTMLBody = string(body)
				}
			default:
				out.Attachments = append(out.Attachments, attachmentInfo{
					Filename:    inlineFilename(ph),
					ContentType: contentType,
					Size:        int64(len(body)),
					Inline:      true,
					CID:         strings.Trim(ph.Get("Content-Id"), "<> "),
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			disp, _, _ := ph.ContentDisposition()
			out.Attachments = append(out.Attachments, attachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				Size:        n,
				Inline:      strings.EqualFold(disp, "inline"),
				CID:         strings.Trim(ph.Get("Content-Id"), "<> "),
			})
		}
	}

	return out
}

func inlineFilename(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// headerMap returns the first value of every top-level header field.
func headerMap(h mail.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := nettextproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, seen := out[key]; seen {
			continue
		}
		if text, err := fields.Text(); err == nil {
			out[key] = text
		} else {
			out[key] = fields.Value()
		}
	}
	return out
}

func logout(client *imapclient.Client) {
	_ = client.Logout().Wait()
	_ = client.Close()
}

func sortDescending(uids []imap.UID) []imap.UID {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids
}

func normalizeMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func preferAddresses(primary, fallback []*mail.Address) []*mail.Address {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func retrievalError(err error) error {
	return &model.ConnectionError{Stage: model.StageRetrieval, Err: err}
}

// dialContext dials addr within timeout and applies the context deadline,
// if any, to the connection.
func dialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}
