package app

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/credential"
	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/secretbox"
	"github.com/nhle/agentmail/internal/settings"
)

type fixedSecret struct {
	secret string
	err    error
}

func (f fixedSecret) EncryptionSecret() (string, error) { return f.secret, f.err }

func testConfig(t *testing.T) *model.AppConfig {
	t.Helper()
	secret, err := secretbox.GenerateKey()
	require.NoError(t, err)
	return &model.AppConfig{
		Database:   model.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"},
		Encryption: model.EncryptionConfig{Secret: secret},
		Mail:       model.MailConfig{Provider: "imap"},
		Settings:   model.SettingsConfig{Source: SettingsFromConfig, Values: map[string]string{}},
		Redis:      model.RedisConfig{Addr: "127.0.0.1:1", Key: "agentmail:settings"},
	}
}

func newApp(t *testing.T, cfg *model.AppConfig, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestNewUsesConfigSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Values = map[string]string{"email_send_enabled": "false"}
	a := newApp(t, cfg)

	p, err := a.Agent.Policy(context.Background())
	require.NoError(t, err)
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.EmailSendEnabled)

	_, err = a.Agent.ComposeDraft(context.Background(), "u1", model.ComposePayload{To: []string{"a@b.example"}})
	assert.True(t, model.IsPolicyViolation(err))
}

func TestNewDatabaseSettingsOverrideConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Source = SettingsFromDatabase
	cfg.Settings.Values = map[string]string{
		model.SettingAllowExternal:   "true",
		model.SettingAttachmentMaxMB: "5",
	}
	a := newApp(t, cfg)
	ctx := context.Background()

	require.NoError(t, a.Store.SetSetting(ctx, model.SettingAttachmentMaxMB, "2"))

	p, err := a.Agent.Policy(ctx)
	require.NoError(t, err)
	assert.True(t, p.AllowExternal)
	assert.Equal(t, 2.0, p.AttachmentMaxMB)
}

func TestNewRedisSettingsDoesNotDial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Source = SettingsFromRedis
	a := newApp(t, cfg)

	require.NotNil(t, a.redis)
	assert.IsType(t, settings.Chain{}, a.Settings)
}

func TestNewRejectsUnknownSettingsSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Source = "etcd"

	_, err := New(cfg, WithLogger(zap.NewNop()))
	assert.True(t, model.IsConfigurationError(err))
}

func TestNewRejectsBadSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Secret = "too-short"

	_, err := New(cfg, WithLogger(zap.NewNop()))
	assert.True(t, model.IsConfigurationError(err))
}

func TestNewRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newApp(t, testConfig(t), WithRegisterer(reg))

	_, err := a.Agent.Status(context.Background(), "u1")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agentmail_operations_total")
}

func TestResolveSecret(t *testing.T) {
	secret, err := resolveSecret(model.EncryptionConfig{Secret: "  configured  "}, fixedSecret{err: errors.New("unused")})
	require.NoError(t, err)
	assert.Equal(t, "configured", secret)

	secret, err = resolveSecret(model.EncryptionConfig{}, fixedSecret{secret: "from-keyring"})
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", secret)

	_, err = resolveSecret(model.EncryptionConfig{}, fixedSecret{err: credential.ErrNotFound})
	assert.True(t, model.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "AGENTMAIL_ENCRYPTION_SECRET")

	_, err = resolveSecret(model.EncryptionConfig{}, fixedSecret{err: errors.New("dbus unavailable")})
	assert.True(t, model.IsConfigurationError(err))
}

func TestNewReadsSecretFromSource(t *testing.T) {
	cfg := testConfig(t)
	secret := cfg.Encryption.Secret
	cfg.Encryption.Secret = ""

	a := newApp(t, cfg, WithSecretSource(fixedSecret{secret: secret}))
	assert.NotNil(t, a.Agent)
}
