package email

import (
	"time"

	"github.com/emersion/go-message/mail"
)

// parsedMessage is a fetched message with its addresses kept structured
// so that replies can be addressed without re-parsing display strings.
type parsedMessage struct {
	UID            uint32
	MessageID      string
	InReplyTo      []string
	References     []string
	Subject        string
	Date           time.Time
	From           []*mail.Address
	ReplyTo        []*mail.Address
	To             []*mail.Address
	Cc             []*mail.Address
	Bcc            []*mail.Address
	Flags          []string
	TextBody       string
	HTMLBody       string
	Attachments    []attachmentInfo
	Headers        map[string]string
	HasAttachments bool
}

// attachmentInfo describes a MIME part that is not a message body.
type attachmentInfo struct {
	Filename    string
	ContentType string
	Size        int64
	Inline      bool
	CID         string
}

// threadID returns the root of the conversation: the first References
// entry, else the first In-Reply-To entry, else the message's own id.
func threadID(messageID string, inReplyTo, references []string) string {
	if len(references) > 0 {
		return references[0]
	}
	if len(inReplyTo) > 0 {
		return inReplyTo[0]
	}
	return messageID
}
