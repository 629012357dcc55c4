// Package source defines the mailbox provider contract and the factory
// that resolves a user's connected provider.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/model"
)

// ProviderIMAP is the key of the generic IMAP/SMTP provider.
const ProviderIMAP = "imap"

// DefaultDialTimeout bounds dialing and each protocol exchange when no
// timeout is configured.
const DefaultDialTimeout = 15 * time.Second

// Mailbox defines the contract that every mailbox provider must implement.
type Mailbox interface {
	// Address returns the mailbox's own email address.
	Address() string

	// ValidateConnection performs a live login against both the retrieval
	// and transfer servers.
	ValidateConnection(ctx context.Context) error

	// Search returns up to limit summaries matching query, newest first.
	Search(ctx context.Context, query string, limit int) ([]model.MessageSummary, error)

	// Read returns the full content of a single message.
	Read(ctx context.Context, id string) (*model.MessageDetail, error)

	// ComposeDraft stages payload and returns its preview and
	// confirmation token.
	ComposeDraft(ctx context.Context, payload model.ComposePayload) (*model.ComposeResult, error)

	// Send dispatches a confirmed draft.
	Send(ctx context.Context, req model.SendRequest) (*model.SendResult, error)

	// Reply stages a threaded reply to an existing message or thread.
	Reply(ctx context.Context, req model.ReplyRequest) (*model.ComposeResult, error)
}

// DraftStager stages and consumes drafts on behalf of a provider.
type DraftStager interface {
	CreateDraft(
		ctx context.Context,
		userID, provider string,
		payload model.ComposePayload,
	) (*model.DraftCreated, error)

	VerifyAndConsumeDraft(
		ctx context.Context,
		userID, provider, draftID, token string,
	) (*model.ComposePayload, error)
}

// ConnectionLoader returns a user's active connection config, or nil.
type ConnectionLoader interface {
	GetConnection(ctx context.Context, userID, provider string) (*model.ConnectionConfig, error)
}

// Env carries everything a Builder needs to construct a Mailbox.
type Env struct {
	UserID      string
	Provider    string
	Config      model.ConnectionConfig
	Drafts      DraftStager
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Builder constructs a Mailbox without performing any I/O.
type Builder func(env Env) (Mailbox, error)

// Factory resolves mailbox providers by key.
type Factory struct {
	mu          sync.RWMutex
	builders    map[string]Builder
	connections ConnectionLoader
	drafts      DraftStager
	dialTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithDialTimeout sets the timeout handed to every built Mailbox.
func WithDialTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.dialTimeout = d
		}
	}
}

// WithLogger sets the logger handed to every built Mailbox.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory creates a factory with no providers registered.
func NewFactory(connections ConnectionLoader, drafts DraftStager, opts ...Option) *Factory {
	f := &Factory{
		builders:    make(map[string]Builder),
		connections: connections,
		drafts:      drafts,
		dialTimeout: DefaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register associates key with a builder, replacing any previous one.
func (f *Factory) Register(key string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[normalizeKey(key)] = b
}

// Providers returns the registered keys in sorted order.
func (f *Factory) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.builders))
	for k := range f.builders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build constructs the provider for key around cfg. Nothing is persisted
// and no network access happens.
func (f *Factory) Build(userID, key string, cfg model.ConnectionConfig) (Mailbox, error) {
	key = normalizeKey(key)

	f.mu.RLock()
	b, ok := f.builders[key]
	f.mu.RUnlock()
	if !ok {
		return nil, &model.ConfigurationError{
			Message: fmt.Sprintf("unknown email provider %q", key),
		}
	}

	mb, err := b(Env{
		UserID:      userID,
		Provider:    key,
		Config:      cfg,
		Drafts:      f.drafts,
		DialTimeout: f.dialTimeout,
		Logger:      f.logger.With(zap.String("provider", key)),
	})
	if err != nil {
		return nil, fmt.Errorf("building %s provider: %w", key, err)
	}
	return mb, nil
}

// GetProvider loads the user's active connection for key and builds its
// provider. A user without an active connection gets a
// ConfigurationError.
func (f *Factory) GetProvider(ctx context.Context, userID, key string) (Mailbox, error) {
	key = normalizeKey(key)

	cfg, err := f.connections.GetConnection(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &model.ConfigurationError{
			Message: fmt.Sprintf("email provider %q is not configured; connect a mailbox first", key),
		}
	}
	return f.Build(userID, key, *cfg)
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ProviderIMAP
	}
	return key
}
