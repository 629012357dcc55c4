package model

import "time"

// MessageSummary is a search result row.
type MessageSummary struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Snippet        string    `json:"snippet"`
	Flags          []string  `json:"flags"`
	HasAttachments bool      `json:"has_attachments"`
	ThreadID       string    `json:"thread_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
}

// MessageDetail is a fully read message. HTMLBody is always sanitized.
type MessageDetail struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	ReplyTo     []string          `json:"reply_to,omitempty"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc"`
	Bcc         []string          `json:"bcc"`
	Date        time.Time         `json:"date"`
	TextBody    string            `json:"text_body,omitempty"`
	HTMLBody    string            `json:"html_body,omitempty"`
	Attachments []AttachmentMeta  `json:"attachments"`
	References  []string          `json:"references,omitempty"`
	Headers     map[string]string `json:"headers"`
}
