package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "imap", cfg.Mail.Provider)
	assert.Equal(t, 15*time.Second, cfg.Mail.DialTimeout)
	assert.Equal(t, "config", cfg.Settings.Source)
	assert.NotNil(t, cfg.Settings.Values)
	assert.Equal(t, "agentmail:settings", cfg.Redis.Key)
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "database:\n  driver: postgres\n  dsn: postgres://localhost/mail\n" +
		"mail:\n  dial_timeout: 5s\n" +
		"settings:\n  source: redis\n  values:\n    EMAIL_ALLOW_EXTERNAL: \"true\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("AGENTMAIL_ENCRYPTION_SECRET", "from-env")
	t.Setenv(SettingAttachmentMaxMB, "12")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/mail", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Mail.DialTimeout)
	assert.Equal(t, "redis", cfg.Settings.Source)
	assert.Equal(t, "from-env", cfg.Encryption.Secret)
	assert.Equal(t, "true", cfg.Settings.Values["email_allow_external"])
	assert.Equal(t, "12", cfg.Settings.Values[SettingAttachmentMaxMB])
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [unclosed\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigOmitsSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := defaultAppConfig()
	cfg.Encryption.Secret = "do-not-write"

	require.NoError(t, SaveConfig(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "do-not-write")
	assert.Contains(t, string(raw), "sqlite")
}
