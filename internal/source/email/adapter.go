// Package email implements the generic IMAP/SMTP mailbox provider.
package email

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/source"
)

// replyPrefix is prepended to reply subjects that do not already carry it.
const replyPrefix = "Re: "

// retriever is the IMAP side of a mailbox.
type retriever interface {
	Validate(ctx context.Context) error
	Search(ctx context.Context, q Query, limit int) ([]parsedMessage, error)
	Fetch(ctx context.Context, uid uint32) (*parsedMessage, error)
	FindByHeader(ctx context.Context, key, value string) (*parsedMessage, error)
}

// Adapter implements source.Mailbox over IMAP and SMTP.
type Adapter struct {
	userID   string
	provider string
	address  string
	imap     retriever
	smtp     messageSender
	drafts   source.DraftStager
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Build constructs an Adapter from env. It performs no network access.
func Build(env source.Env) (source.Mailbox, error) {
	if env.Drafts == nil {
		return nil, &model.ConfigurationError{Message: "draft store is not configured"}
	}
	cfg, err := env.Config.Normalize()
	if err != nil {
		return nil, err
	}

	timeout := env.DialTimeout
	if timeout <= 0 {
		timeout = source.DefaultDialTimeout
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		userID:   env.UserID,
		provider: env.Provider,
		address:  cfg.Email,
		imap:     NewIMAPClient(cfg.IMAPHost, cfg.IMAPPort, cfg.Email, cfg.Password, timeout),
		smtp:     NewSMTPTransport(cfg.SMTPHost, cfg.SMTPPort, cfg.Email, cfg.Password, timeout),
		drafts:   env.Drafts,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Address returns the connected mailbox address.
func (a *Adapter) Address() string {
	return a.address
}

// ValidateConnection logs in to the IMAP and SMTP servers in parallel.
// Both exchanges share one deadline.
func (a *Adapter) ValidateConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.imap.Validate(gctx) })
	g.Go(func() error { return a.smtp.Validate(gctx) })
	if err := g.Wait(); err != nil {
		a.logger.Warn("connection validation failed", zap.Error(err))
		return err
	}
	return nil
}

// Search parses query and returns up to limit matching summaries, newest
// first. A limit of zero or less means no limit.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]model.MessageSummary, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	messages, err := a.imap.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.MessageSummary, 0, len(messages))
	for _, m := range messages {
		summaries = append(summaries, model.MessageSummary{
			ID:             strconv.FormatUint(uint64(m.UID), 10),
			Subject:        m.Subject,
			From:           formatFirst(m.From),
			To:             formatAddresses(m.To),
			Date:           m.Date,
			Snippet:        snippet(m.TextBody, m.HTMLBody, summarySnippetRunes),
			Flags:          nonNil(m.Flags),
			HasAttachments: m.HasAttachments,
			ThreadID:       threadID(m.MessageID, m.InReplyTo, m.References),
			MessageID:      m.MessageID,
		})
	}
	a.logger.Debug("search completed", zap.Int("results", len(summaries)))
	return summaries, nil
}

// Read fetches the message with the numeric id and returns it with its
// HTML body sanitized.
func (a *Adapter) Read(ctx context.Context, id string) (*model.MessageDetail, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	m, err := a.imap.Fetch(ctx, uid)
	if err != nil {
		return nil, err
	}
	return toDetail(m), nil
}

// ComposeDraft stages payload and returns its preview, including the
// one-time confirmation token. Payloads that could not be rendered at send
// time are rejected here, before anything is stored.
func (a *Adapter) ComposeDraft(ctx context.Context, payload model.ComposePayload) (*model.ComposeResult, error) {
	payload = payload.Normalize()
	if len(payload.Recipients()) == 0 {
		return nil, &model.PolicyViolation{
			Rule:    model.RuleInvalidRecipient,
			Message: "at least one recipient is required",
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	created, err := a.drafts.CreateDraft(ctx, a.userID, a.provider, payload)
	if err != nil {
		return nil, fmt.Errorf("staging draft: %w", err)
	}
	a.logger.Info("draft staged", zap.String("draft_id", created.DraftID))

	return &model.ComposeResult{
		DraftID:   created.DraftID,
		Preview:   created.Preview,
		ExpiresAt: created.ExpiresAt,
	}, nil
}

// Send consumes the referenced draft and hands it to the SMTP server.
// Requests without a draft are rejected before any network access.
func (a *Adapter) Send(ctx context.Context, req model.SendRequest) (*model.SendResult, error) {
	draftID := strings.TrimSpace(req.DraftID)
	token := strings.TrimSpace(req.ConfirmToken)
	if token == "" {
		return nil, &model.DraftError{Reason: model.DraftInvalidToken}
	}
	if draftID == "" {
		return nil, &model.DraftError{Reason: model.DraftRequired}
	}

	payload, err := a.drafts.VerifyAndConsumeDraft(ctx, a.userID, a.provider, draftID, token)
	if err != nil {
		return nil, err
	}

	msg, err := buildMessage(a.address, *payload, a.now())
	if err != nil {
		return nil, err
	}
	if err := a.smtp.Send(ctx, a.address, msg.recipients, msg.raw); err != nil {
		a.logger.Error("sending draft failed", zap.String("draft_id", draftID), zap.Error(err))
		return nil, err
	}

	a.logger.Info("message sent",
		zap.String("draft_id", draftID),
		zap.String("message_id", msg.messageID),
		zap.Int("recipients", len(msg.recipients)),
	)
	return &model.SendResult{
		Status:    model.StatusSent,
		MessageID: msg.messageID,
		ThreadID:  msg.threadID,
	}, nil
}

// Reply resolves the original message and stages a threaded reply to it.
// The staged draft is dispatched through Send like any other.
func (a *Adapter) Reply(ctx context.Context, req model.ReplyRequest) (*model.ComposeResult, error) {
	orig, err := a.findOriginal(ctx, req)
	if err != nil {
		return nil, err
	}

	to, cc := replyRecipients(orig, a.address, req.ReplyAll)
	if len(to) == 0 && len(cc) == 0 {
		return nil, &model.ProtocolError{Message: "original message has no reply address"}
	}

	references := append([]string(nil), orig.References...)
	if orig.MessageID != "" {
		references = append(references, orig.MessageID)
	}

	payload := model.ComposePayload{
		To:          to,
		Cc:          cc,
		Subject:     replySubject(orig.Subject),
		TextBody:    req.BodyText,
		HTMLBody:    req.BodyHTML,
		Attachments: req.Attachments,
		InReplyTo:   orig.MessageID,
		References:  references,
		ThreadID:    threadID(orig.MessageID, orig.InReplyTo, orig.References),
	}
	return a.ComposeDraft(ctx, payload)
}

// findOriginal looks up the message a reply targets. A thread resolves to
// its newest message that references the thread id, else to the root.
func (a *Adapter) findOriginal(ctx context.Context, req model.ReplyRequest) (*parsedMessage, error) {
	messageID := normalizeMsgID(req.MessageID)
	thread := normalizeMsgID(req.ThreadID)

	switch {
	case messageID != "" && thread != "":
		return nil, &model.ProtocolError{Message: "specify either message_id or thread_id, not both"}
	case messageID == "" && thread == "":
		return nil, &model.ProtocolError{Message: "message_id or thread_id is required"}
	}

	var (
		orig *parsedMessage
		err  error
	)
	if messageID != "" {
		orig, err = a.imap.FindByHeader(ctx, "Message-ID", messageID)
	} else {
		orig, err = a.imap.FindByHeader(ctx, "References", thread)
		if err == nil && orig == nil {
			orig, err = a.imap.FindByHeader(ctx, "Message-ID", thread)
		}
	}
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, &model.ProtocolError{Message: "original not found"}
	}
	return orig, nil
}

// replyRecipients addresses a reply to orig. The primary target is the
// Reply-To list, else the sender. For reply-all the original To and Cc
// recipients go to Cc. Addresses are de-duplicated case-insensitively and
// self is never included.
func replyRecipients(orig *parsedMessage, self string, replyAll bool) (to, cc []string) {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(self)): true}
	add := func(list []string, addrs []*mail.Address) []string {
		for _, addr := range addrs {
			if addr == nil || addr.Address == "" {
				continue
			}
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			list = append(list, addr.Address)
		}
		return list
	}

	primary := orig.ReplyTo
	if len(primary) == 0 {
		primary = orig.From
	}
	if !replyAll {
		to = add(to, primary)
		if len(to) > 1 {
			to = to[:1]
		}
		return to, nil
	}

	to = add(to, primary)
	cc = add(cc, orig.To)
	cc = add(cc, orig.Cc)
	return to, cc
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(strings.TrimSpace(replyPrefix))) {
		return subject
	}
	return replyPrefix + subject
}

func toDetail(m *parsedMessage) *model.MessageDetail {
	attachments := make([]model.AttachmentMeta, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(attachments, model.AttachmentMeta{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			Inline:      att.Inline,
			CID:         att.CID,
		})
	}

	headers := m.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	var htmlBody string
	if m.HTMLBody != "" {
		htmlBody = SanitizeHTML(m.HTMLBody)
	}

	return &model.MessageDetail{
		ID:          strconv.FormatUint(uint64(m.UID), 10),
		MessageID:   m.MessageID,
		ThreadID:    threadID(m.MessageID, m.InReplyTo, m.References),
		Subject:     m.Subject,
		From:        formatFirst(m.From),
		ReplyTo:     formatAddresses(m.ReplyTo),
		To:          formatAddresses(m.To),
		Cc:          formatAddresses(m.Cc),
		Bcc:         formatAddresses(m.Bcc),
		Date:        m.Date,
		TextBody:    m.TextBody,
		HTMLBody:    htmlBody,
		Attachments: attachments,
		References:  m.References,
		Headers:     headers,
	}
}

// parseUID parses a message id as an IMAP UID.
func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil || uid == 0 {
		return 0, &model.ProtocolError{Message: fmt.Sprintf("invalid message id %q", id)}
	}
	return uint32(uid), nil
}

func formatFirst(addrs []*mail.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	return formatAddress(addrs[0])
}

func formatAddresses(addrs []*mail.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a))
	}
	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
