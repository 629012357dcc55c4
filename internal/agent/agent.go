// Package agent is the entry point used by callers acting on behalf of a
// user. Every operation reads the organization policy first and rejects
// disallowed calls before any mailbox traffic.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/metrics"
	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/source"
)

// Operation names used in logs and metrics.
const (
	OpConnect        = "connect"
	OpDisconnect     = "disconnect"
	OpTestConnection = "test_connection"
	OpStatus         = "status"
	OpSearch         = "search"
	OpRead           = "read"
	OpComposeDraft   = "compose_draft"
	OpSend           = "send"
	OpReply          = "reply"
	OpPurgeDrafts    = "purge_drafts"
)

// PolicyReader returns the current organization policy.
type PolicyReader interface {
	GetPolicy(ctx context.Context) (model.Policy, error)
}

// Connections persists mailbox connection configs.
type Connections interface {
	SaveConnection(ctx context.Context, userID, provider string, cfg model.ConnectionConfig) error
	DeleteConnection(ctx context.Context, userID, provider string) error
	MarkValidated(ctx context.Context, userID, provider string) error
	GetStatus(ctx context.Context, userID, provider string) (*model.ConnectionStatus, error)
}

// Drafts gives read access to staged drafts.
type Drafts interface {
	GetDraft(ctx context.Context, userID, provider, draftID string) (*model.Draft, error)
	Discard(ctx context.Context, userID, provider, draftID string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// Providers resolves mailbox providers.
type Providers interface {
	Build(userID, key string, cfg model.ConnectionConfig) (source.Mailbox, error)
	GetProvider(ctx context.Context, userID, key string) (source.Mailbox, error)
}

// Service applies policy to every mailbox operation and delegates the
// rest to the user's provider.
type Service struct {
	policy      PolicyReader
	connections Connections
	drafts      Drafts
	providers   Providers
	provider    string
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the service counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithProvider selects the provider key used for every user.
func WithProvider(key string) Option {
	return func(s *Service) {
		if key = strings.TrimSpace(key); key != "" {
			s.provider = strings.ToLower(key)
		}
	}
}

// NewService creates an agent service.
func NewService(
	policy PolicyReader,
	connections Connections,
	drafts Drafts,
	providers Providers,
	opts ...Option,
) *Service {
	s := &Service{
		policy:      policy,
		connections: connections,
		drafts:      drafts,
		providers:   providers,
		provider:    source.ProviderIMAP,
		logger:      zap.NewNop(),
		metrics:     metrics.New(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect validates raw against the live servers and stores it as the
// user's connection.
func (s *Service) Connect(
	ctx context.Context,
	userID string,
	raw model.ConnectionConfig,
) (status *model.ConnectionStatus, err error) {
	defer func() { s.finish(OpConnect, userID, err) }()

	cfg, err := raw.Normalize()
	if err != nil {
		return nil, err
	}

	mb, err := s.providers.Build(userID, s.provider, cfg)
	if err != nil {
		return nil, err
	}
	if err := mb.ValidateConnection(ctx); err != nil {
		return nil, fmt.Errorf("validating connection for %s: %w", cfg.Email, err)
	}

	if err := s.connections.SaveConnection(ctx, userID, s.provider, cfg); err != nil {
		return nil, err
	}
	if err := s.connections.MarkValidated(ctx, userID, s.provider); err != nil {
		return nil, err
	}
	return s.connections.GetStatus(ctx, userID, s.provider)
}

// Disconnect removes the user's connection.
func (s *Service) Disconnect(ctx context.Context, userID string) (err error) {
	defer func() { s.finish(OpDisconnect, userID, err) }()
	return s.connections.DeleteConnection(ctx, userID, s.provider)
}

// TestConnection re-validates the stored connection and records the
// result.
func (s *Service) TestConnection(ctx context.Context, userID string) (err error) {
	defer func() { s.finish(OpTestConnection, userID, err) }()

	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return err
	}
	if err := mb.ValidateConnection(ctx); err != nil {
		return err
	}
	return s.connections.MarkValidated(ctx, userID, s.provider)
}

// Status returns the user's connection status, or nil when the user never
// connected.
func (s *Service) Status(ctx context.Context, userID string) (status *model.ConnectionStatus, err error) {
	defer func() { s.finish(OpStatus, userID, err) }()
	return s.connections.GetStatus(ctx, userID, s.provider)
}

// Policy returns the current organization policy.
func (s *Service) Policy(ctx context.Context) (model.Policy, error) {
	return s.policy.GetPolicy(ctx)
}

// Search lists messages matching query.
func (s *Service) Search(
	ctx context.Context,
	userID, query string,
	limit int,
) (results []model.MessageSummary, err error) {
	defer func() { s.finish(OpSearch, userID, err) }()

	if _, err := s.requireRead(ctx); err != nil {
		return nil, err
	}
	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return nil, err
	}
	return mb.Search(ctx, query, limit)
}

// Read returns a single message.
func (s *Service) Read(ctx context.Context, userID, id string) (detail *model.MessageDetail, err error) {
	defer func() { s.finish(OpRead, userID, err) }()

	if _, err := s.requireRead(ctx); err != nil {
		return nil, err
	}
	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return nil, err
	}
	return mb.Read(ctx, id)
}

// ComposeDraft checks payload against policy and stages it.
func (s *Service) ComposeDraft(
	ctx context.Context,
	userID string,
	payload model.ComposePayload,
) (result *model.ComposeResult, err error) {
	defer func() { s.finish(OpComposeDraft, userID, err) }()

	p, err := s.requireWrite(ctx)
	if err != nil {
		return nil, err
	}
	payload = payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if err := checkAttachments(p, payload.Attachments); err != nil {
		return nil, err
	}

	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return nil, err
	}
	if err := checkRecipients(p, mb.Address(), payload.Recipients()); err != nil {
		return nil, err
	}

	result, err = mb.ComposeDraft(ctx, payload)
	if err != nil {
		return nil, err
	}
	s.metrics.DraftsCreated.Inc()
	return result, nil
}

// Send confirms a staged draft. The staged payload is checked against the
// current policy before the draft is consumed.
func (s *Service) Send(ctx context.Context, userID string, req model.SendRequest) (result *model.SendResult, err error) {
	defer func() { s.finish(OpSend, userID, err) }()

	p, err := s.requireWrite(ctx)
	if err != nil {
		return nil, err
	}

	draftID := strings.TrimSpace(req.DraftID)
	if draftID == "" {
		return nil, &model.DraftError{Reason: model.DraftRequired}
	}
	if strings.TrimSpace(req.ConfirmToken) == "" {
		return nil, &model.DraftError{Reason: model.DraftInvalidToken}
	}

	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return nil, err
	}

	staged, err := s.drafts.GetDraft(ctx, userID, s.provider, draftID)
	if err != nil {
		return nil, err
	}
	if staged == nil {
		return nil, &model.DraftError{Reason: model.DraftNotFound, DraftID: draftID}
	}
	if err := checkAttachments(p, staged.Payload.Attachments); err != nil {
		return nil, err
	}
	if err := checkRecipients(p, mb.Address(), staged.Payload.Recipients()); err != nil {
		return nil, err
	}

	req.DraftID = draftID
	result, err = mb.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	s.metrics.DraftsConsumed.Inc()
	s.metrics.MessagesSent.Inc()
	return result, nil
}

// Reply stages a reply to an existing message or thread. A staged reply
// whose recipients fall outside policy is discarded again.
func (s *Service) Reply(
	ctx context.Context,
	userID string,
	req model.ReplyRequest,
) (result *model.ComposeResult, err error) {
	defer func() { s.finish(OpReply, userID, err) }()

	p, err := s.requireWrite(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkAttachments(p, req.Attachments); err != nil {
		return nil, err
	}

	mb, err := s.providers.GetProvider(ctx, userID, s.provider)
	if err != nil {
		return nil, err
	}

	result, err = mb.Reply(ctx, req)
	if err != nil {
		return nil, err
	}

	preview := result.Preview
	recipients := make([]string, 0, len(preview.To)+len(preview.Cc)+len(preview.Bcc))
	recipients = append(recipients, preview.To...)
	recipients = append(recipients, preview.Cc...)
	recipients = append(recipients, preview.Bcc...)
	if err := checkRecipients(p, mb.Address(), recipients); err != nil {
		if _, discardErr := s.drafts.Discard(ctx, userID, s.provider, result.DraftID); discardErr != nil {
			s.logger.Warn("discarding rejected reply draft failed",
				zap.String("draft_id", result.DraftID), zap.Error(discardErr))
		}
		return nil, err
	}

	s.metrics.DraftsCreated.Inc()
	return result, nil
}

// PurgeDrafts deletes expired drafts for every user.
func (s *Service) PurgeDrafts(ctx context.Context) (n int64, err error) {
	defer func() { s.finish(OpPurgeDrafts, "", err) }()
	return s.drafts.PurgeExpired(ctx)
}

func (s *Service) requireRead(ctx context.Context) (model.Policy, error) {
	p, err := s.policy.GetPolicy(ctx)
	if err != nil {
		return model.Policy{}, err
	}
	if !p.EmailEnabled {
		return p, &model.PolicyViolation{
			Rule:    model.RuleEmailDisabled,
			Message: "email is disabled for this organization",
		}
	}
	return p, nil
}

func (s *Service) requireWrite(ctx context.Context) (model.Policy, error) {
	p, err := s.requireRead(ctx)
	if err != nil {
		return p, err
	}
	if !p.EmailSendEnabled {
		return p, &model.PolicyViolation{
			Rule:    model.RuleSendDisabled,
			Message: "sending email is disabled for this organization",
		}
	}
	return p, nil
}

// checkAttachments rejects attachment sets that fail to decode or whose
// decoded size exceeds the policy limit.
func checkAttachments(p model.Policy, attachments []model.Attachment) error {
	total, err := model.TotalAttachmentSize(attachments)
	if err != nil {
		return err
	}
	if limit := p.AttachmentMaxBytes(); total > limit {
		return &model.PolicyViolation{
			Rule: model.RuleAttachmentLimit,
			Message: fmt.Sprintf("attachments total %d bytes, above the %g MB limit",
				total, p.AttachmentMaxMB),
		}
	}
	return nil
}

// checkRecipients enforces the external-domain rule: unless external mail
// is allowed, every recipient must share the mailbox's domain.
func checkRecipients(p model.Policy, mailbox string, recipients []string) error {
	if p.AllowExternal {
		return nil
	}
	own := model.EmailDomain(mailbox)
	for _, raw := range recipients {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return &model.PolicyViolation{
				Rule:    model.RuleInvalidRecipient,
				Message: fmt.Sprintf("invalid recipient address %q", raw),
			}
		}
		if domain := model.EmailDomain(addr.Address); domain == "" || domain != own {
			return &model.PolicyViolation{
				Rule:    model.RuleExternalDomain,
				Message: fmt.Sprintf("recipient %s is outside %s; external email is not allowed", addr.Address, own),
			}
		}
	}
	return nil
}

// finish logs and counts a completed operation.
func (s *Service) finish(op, userID string, err error) {
	fields := []zap.Field{zap.String("operation", op)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}

	if err == nil {
		s.metrics.Observe(op, metrics.OutcomeOK)
		s.logger.Info("operation completed", fields...)
		return
	}

	var (
		violation *model.PolicyViolation
		draftErr  *model.DraftError
	)
	switch {
	case errors.As(err, &violation):
		s.metrics.Observe(op, metrics.OutcomeDenied)
		s.metrics.PolicyDenials.WithLabelValues(string(violation.Rule)).Inc()
		s.logger.Warn("operation denied by policy",
			append(fields, zap.String("rule", string(violation.Rule)))...)
	case errors.As(err, &draftErr):
		s.metrics.Observe(op, metrics.OutcomeDenied)
		s.metrics.DraftFailures.WithLabelValues(string(draftErr.Reason)).Inc()
		s.logger.Warn("draft rejected",
			append(fields, zap.String("reason", string(draftErr.Reason)))...)
	default:
		s.metrics.Observe(op, metrics.OutcomeError)
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
	}
}
