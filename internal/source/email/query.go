package email

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/agentmail/internal/model"
)

// Query is a parsed search expression. Every populated field narrows the
// result; all of them are ANDed together.
type Query struct {
	From          []string
	To            []string
	Cc            []string
	Bcc           []string
	Subject       []string
	Since         time.Time
	Before        time.Time
	HasAttachment bool
	Unread        *bool
	Text          []string
}

// dateLayouts are the accepted forms of after:, since: and before:.
var dateLayouts = []string{"2006-01-02", "2006/01/02", time.RFC3339}

// ParseQuery parses the search grammar:
//
//	from:addr to:addr cc:addr bcc:addr subject:"a phrase"
//	after:YYYY-MM-DD since:YYYY-MM-DD before:YYYY-MM-DD
//	has:attachment unread:true
//
// Bare words and quoted phrases become free text. A field token this
// grammar does not know is treated as free text too. Invalid dates fail
// with a ProtocolError.
func ParseQuery(raw string) (Query, error) {
	var q Query
	for _, tok := range tokenize(raw) {
		if tok.field == "" {
			q.Text = append(q.Text, tok.value)
			continue
		}
		if tok.value == "" {
			continue
		}

		switch tok.field {
		case "from":
			q.From = append(q.From, tok.value)
		case "to":
			q.To = append(q.To, tok.value)
		case "cc":
			q.Cc = append(q.Cc, tok.value)
		case "bcc":
			q.Bcc = append(q.Bcc, tok.value)
		case "subject":
			q.Subject = append(q.Subject, tok.value)
		case "after", "since":
			d, err := parseDate(tok.field, tok.value)
			if err != nil {
				return Query{}, err
			}
			q.Since = d
		case "before":
			d, err := parseDate(tok.field, tok.value)
			if err != nil {
				return Query{}, err
			}
			q.Before = d
		case "has":
			if strings.EqualFold(tok.value, "attachment") || strings.EqualFold(tok.value, "attachments") {
				q.HasAttachment = true
			} else {
				q.Text = append(q.Text, tok.raw)
			}
		case "unread":
			switch strings.ToLower(tok.value) {
			case "true", "yes", "1":
				q.Unread = boolPtr(true)
			case "false", "no", "0":
				q.Unread = boolPtr(false)
			default:
				q.Text = append(q.Text, tok.raw)
			}
		case "is":
			switch strings.ToLower(tok.value) {
			case "unread":
				q.Unread = boolPtr(true)
			case "read":
				q.Unread = boolPtr(false)
			default:
				q.Text = append(q.Text, tok.raw)
			}
		default:
			q.Text = append(q.Text, tok.raw)
		}
	}
	return q, nil
}

// IsEmpty reports whether the query has no filters at all.
func (q Query) IsEmpty() bool {
	return len(q.From) == 0 && len(q.To) == 0 && len(q.Cc) == 0 &&
		len(q.Bcc) == 0 && len(q.Subject) == 0 && q.Since.IsZero() &&
		q.Before.IsZero() && !q.HasAttachment && q.Unread == nil && len(q.Text) == 0
}

// Criteria converts the query to IMAP SEARCH criteria. An empty query
// matches every message. has:attachment only narrows the search to
// multipart messages here; the final check is made on the body structure.
func (q Query) Criteria() *imap.SearchCriteria {
	c := &imap.SearchCriteria{}
	addHeader := func(key string, values []string) {
		for _, v := range values {
			c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: key, Value: v})
		}
	}
	addHeader("From", q.From)
	addHeader("To", q.To)
	addHeader("Cc", q.Cc)
	addHeader("Bcc", q.Bcc)
	addHeader("Subject", q.Subject)
	if q.HasAttachment {
		addHeader("Content-Type", []string{"multipart"})
	}

	c.Since = q.Since
	c.Before = q.Before

	if q.Unread != nil {
		if *q.Unread {
			c.NotFlag = []imap.Flag{imap.FlagSeen}
		} else {
			c.Flag = []imap.Flag{imap.FlagSeen}
		}
	}

	c.Text = append(c.Text, q.Text...)
	return c
}

type queryToken struct {
	field string
	value string
	raw   string
}

// tokenize splits raw on whitespace, keeping double-quoted runs together
// both as bare phrases and as field values.
func tokenize(raw string) []queryToken {
	var (
		tokens  []queryToken
		buf     strings.Builder
		inQuote bool
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		tokens = append(tokens, splitToken(buf.String()))
		buf.Reset()
	}

	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			buf.WriteRune(r)
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func splitToken(s string) queryToken {
	if !strings.HasPrefix(s, `"`) {
		if i := strings.IndexByte(s, ':'); i > 0 {
			field := strings.ToLower(s[:i])
			if isFieldName(field) {
				return queryToken{field: field, value: unquote(s[i+1:]), raw: s}
			}
		}
	}
	return queryToken{value: unquote(s), raw: s}
}

func isFieldName(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func unquote(s string) string {
	return strings.TrimSpace(strings.Trim(s, `"`))
}

func parseDate(field, value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d, nil
		}
	}
	return time.Time{}, &model.ProtocolError{
		Message: fmt.Sprintf("invalid date %q for %s: use YYYY-MM-DD", value, field),
	}
}

func boolPtr(b bool) *bool { return &b }
