package model

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Attachment is an outgoing file carried inside a compose payload.
// Content is text-encoded according to Encoding (for example base64).
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	ContentType string `json:"content_type"`
	Inline      bool   `json:"inline,omitempty"`
	CID         string `json:"cid,omitempty"`
}

// Attachment content encodings. Anything else, including an empty value,
// is taken as the raw bytes of the string.
const (
	EncodingBase64    = "base64"
	EncodingBase64URL = "base64url"
	EncodingHex       = "hex"
)

// Decode returns the attachment bytes described by Content and Encoding.
// Content that does not decode for its declared encoding yields a
// ProtocolError.
func (a Attachment) Decode() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(a.Encoding)) {
	case EncodingBase64:
		data, err = decodeBase64(a.Content, base64.StdEncoding, base64.RawStdEncoding)
	case EncodingBase64URL:
		data, err = decodeBase64(a.Content, base64.URLEncoding, base64.RawURLEncoding)
	case EncodingHex:
		data, err = hex.DecodeString(strings.Join(strings.Fields(a.Content), ""))
		if err != nil {
			err = fmt.Errorf("invalid hex content: %w", err)
		}
	default:
		return []byte(a.Content), nil
	}
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed attachment %q", a.Filename), Err: err}
	}
	return data, nil
}

// Size returns the decoded size in bytes.
func (a Attachment) Size() (int64, error) {
	data, err := a.Decode()
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func decodeBase64(content string, padded, raw *base64.Encoding) ([]byte, error) {
	content = strings.Join(strings.Fields(content), "")
	data, err := padded.DecodeString(content)
	if err == nil {
		return data, nil
	}
	data, rawErr := raw.DecodeString(content)
	if rawErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("invalid base64 content: %w", err)
}

// TotalAttachmentSize sums the decoded size of every attachment. The
// first attachment that fails to decode stops the sum.
func TotalAttachmentSize(attachments []Attachment) (int64, error) {
	var total int64
	for _, a := range attachments {
		size, err := a.Size()
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// ComposePayload is the full content of a message to be staged and sent.
type ComposePayload struct {
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	TextBody    string       `json:"text_body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
}

// Normalize returns a copy with trimmed address lists and empty entries
// dropped.
func (p ComposePayload) Normalize() ComposePayload {
	p.To = NormalizeAddressList(p.To)
	p.Cc = NormalizeAddressList(p.Cc)
	p.Bcc = NormalizeAddressList(p.Bcc)
	return p
}

// Recipients returns every To, Cc and Bcc address in order.
func (p ComposePayload) Recipients() []string {
	all := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	all = append(all, p.To...)
	all = append(all, p.Cc...)
	all = append(all, p.Bcc...)
	return all
}

// Validate checks that every recipient parses as an address and every
// attachment decodes, so that a staged payload can always be rendered.
func (p ComposePayload) Validate() error {
	for _, raw := range p.Recipients() {
		if _, err := mail.ParseAddress(raw); err != nil {
			return &PolicyViolation{
				Rule:    RuleInvalidRecipient,
				Message: fmt.Sprintf("invalid recipient address %q", raw),
			}
		}
	}
	_, err := TotalAttachmentSize(p.Attachments)
	return err
}

// NormalizeAddressList trims each entry and drops the empty ones. It
// returns nil for an empty result.
func NormalizeAddressList(list []string) []string {
	var out []string
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline,omitempty"`
	CID         string `json:"cid,omitempty"`
}

// DraftPreview is the non-sensitive projection of a staged payload.
// ConfirmToken is only set in the response that created the draft.
type DraftPreview struct {
	Subject      string           `json:"subject"`
	To           []string         `json:"to"`
	Cc           []string         `json:"cc,omitempty"`
	Bcc          []string         `json:"bcc,omitempty"`
	Snippet      string           `json:"snippet"`
	Attachments  []AttachmentMeta `json:"attachments,omitempty"`
	ConfirmToken string           `json:"confirm_token,omitempty"`
}

// DraftCreated is returned exactly once when a draft is staged.
type DraftCreated struct {
	DraftID      string       `json:"draft_id"`
	Preview      DraftPreview `json:"preview"`
	ConfirmToken string       `json:"-"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Draft is a decrypted, read-only view of a staged draft.
type Draft struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Provider  string         `json:"provider"`
	Payload   ComposePayload `json:"payload"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
}

// ComposeResult is the response of ComposeDraft and Reply.
type ComposeResult struct {
	DraftID   string       `json:"draft_id"`
	Preview   DraftPreview `json:"preview"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// SendRequest confirms a staged draft. Payload is accepted only so that
// a payload-only request can be rejected explicitly.
type SendRequest struct {
	DraftID      string          `json:"draft_id,omitempty"`
	ConfirmToken string          `json:"confirm_token"`
	Payload      *ComposePayload `json:"payload,omitempty"`
}

// Send statuses.
const (
	StatusSent = "sent"
)

// SendResult reports a message handed off to the transfer server.
type SendResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ReplyRequest describes a reply to an existing message or thread.
// Exactly one of MessageID and ThreadID must be set.
type ReplyRequest struct {
	MessageID   string       `json:"message_id,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	ReplyAll    bool         `json:"reply_all,omitempty"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
