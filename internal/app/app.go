// Package app wires configuration, storage, settings, mailbox providers
// and the agent service into a single application value.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/agent"
	"github.com/nhle/agentmail/internal/connection"
	"github.com/nhle/agentmail/internal/credential"
	"github.com/nhle/agentmail/internal/draft"
	"github.com/nhle/agentmail/internal/logger"
	"github.com/nhle/agentmail/internal/metrics"
	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/policy"
	"github.com/nhle/agentmail/internal/secretbox"
	"github.com/nhle/agentmail/internal/settings"
	"github.com/nhle/agentmail/internal/source"
	"github.com/nhle/agentmail/internal/source/email"
	"github.com/nhle/agentmail/internal/store"
)

// Settings sources.
const (
	SettingsFromConfig   = "config"
	SettingsFromDatabase = "database"
	SettingsFromRedis    = "redis"
)

// SecretSource provides the encryption secret when the config carries
// none.
type SecretSource interface {
	EncryptionSecret() (string, error)
}

// App holds the wired components. Close releases them.
type App struct {
	Config   *model.AppConfig
	Logger   *zap.Logger
	Store    *store.SQLStore
	Settings settings.Reader
	Metrics  *metrics.Metrics
	Agent    *agent.Service

	redis *goredis.Client
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	secrets    SecretSource
}

// Option configures New.
type Option func(*options)

// WithLogger uses l instead of building a logger from the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the agent metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSecretSource overrides the keyring lookup of the encryption secret.
func WithSecretSource(s SecretSource) Option {
	return func(o *options) { o.secrets = s }
}

// New builds an App from cfg. The database is opened and migrated; no
// mailbox server is contacted.
func New(cfg *model.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		var err error
		if log, err = logger.New(cfg.Log); err != nil {
			return nil, err
		}
	}

	secret, err := resolveSecret(cfg.Encryption, o.secrets)
	if err != nil {
		return nil, err
	}
	box, err := secretbox.New(secret)
	if err != nil {
		return nil, err
	}

	repo, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &App{Config: cfg, Logger: log, Store: repo}
	if a.Settings, a.redis, err = settingsReader(cfg, repo); err != nil {
		repo.Close()
		return nil, err
	}

	conns := connection.NewStore(repo, box)
	drafts := draft.NewStore(repo, box)

	factory := source.NewFactory(conns, drafts,
		source.WithDialTimeout(cfg.Mail.DialTimeout),
		source.WithLogger(log),
	)
	factory.Register(source.ProviderIMAP, email.Build)

	a.Metrics = metrics.New(o.registerer)
	a.Agent = agent.NewService(
		policy.NewService(a.Settings),
		conns,
		drafts,
		factory,
		agent.WithLogger(log),
		agent.WithMetrics(a.Metrics),
		agent.WithProvider(cfg.Mail.Provider),
	)

	log.Debug("application initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("settings", cfg.Settings.Source),
		zap.Strings("providers", factory.Providers()),
	)
	return a, nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// resolveSecret returns the configured secret, falling back to the
// keyring entry.
func resolveSecret(cfg model.EncryptionConfig, src SecretSource) (string, error) {
	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		return secret, nil
	}

	if src == nil {
		ring, err := credential.Open()
		if err != nil {
			return "", &model.ConfigurationError{Message: "encryption secret is not configured", Err: err}
		}
		src = ring
	}

	secret, err := src.EncryptionSecret()
	if errors.Is(err, credential.ErrNotFound) {
		return "", &model.ConfigurationError{
			Message: "encryption secret is not configured; set AGENTMAIL_ENCRYPTION_SECRET or run 'agentmail secret init'",
		}
	}
	if err != nil {
		return "", &model.ConfigurationError{Message: "reading encryption secret from keyring", Err: err}
	}
	return secret, nil
}

// settingsReader selects the policy settings backend. Values from the
// config file always act as the last fallback.
func settingsReader(cfg *model.AppConfig, repo *store.SQLStore) (settings.Reader, *goredis.Client, error) {
	static := settings.NewStatic(cfg.Settings.Values)

	switch strings.ToLower(strings.TrimSpace(cfg.Settings.Source)) {
	case "", SettingsFromConfig:
		return static, nil, nil
	case SettingsFromDatabase:
		return settings.Chain{repo, static}, nil, nil
	case SettingsFromRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return settings.Chain{settings.NewRedis(client, cfg.Redis.Key), static}, client, nil
	default:
		return nil, nil, &model.ConfigurationError{
			Message: fmt.Sprintf("unknown settings source %q", cfg.Settings.Source),
		}
	}
}
