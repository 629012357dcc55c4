package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects the SQL backend that holds encrypted rows.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is the file path (sqlite) or connection string (postgres).
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// EncryptionConfig holds the operator secret used for data at rest.
type EncryptionConfig struct {
	// Secret is a 32-byte key in hex, base64 or URL-safe base64. When
	// empty, the secret is looked up in the system keyring.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
}

// MailConfig holds defaults for mailbox access.
type MailConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SettingsConfig selects where organization policy settings are read.
type SettingsConfig struct {
	// Source is "config", "database" or "redis".
	Source string `mapstructure:"source" yaml:"source"`

	// Values are used when Source is "config".
	Values map[string]string `mapstructure:"values" yaml:"values,omitempty"`
}

// RedisConfig locates the settings hash when SettingsConfig.Source is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Key      string `mapstructure:"key" yaml:"key"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Mail       MailConfig       `mapstructure:"mail" yaml:"mail"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Settings   SettingsConfig   `mapstructure:"settings" yaml:"settings"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
}

// envPrefix namespaces environment overrides, e.g.
// AGENTMAIL_ENCRYPTION_SECRET.
const envPrefix = "AGENTMAIL"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/agentmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "agentmail", "config.yaml")
}

// DefaultDatabasePath returns the default SQLite file location.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "agentmail.db")
	}
	return filepath.Join(home, ".local", "share", "agentmail", "agentmail.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    DefaultDatabasePath(),
		},
		Mail: MailConfig{
			Provider:    "imap",
			DialTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Settings: SettingsConfig{
			Source: "config",
			Values: map[string]string{},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "agentmail:settings",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with AGENTMAIL_ override file values. If
// the file does not exist, defaults plus environment are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("encryption.secret", "")
	v.SetDefault("mail.provider", def.Mail.Provider)
	v.SetDefault("mail.dial_timeout", def.Mail.DialTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("settings.source", def.Settings.Source)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", def.Redis.Key)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		_, isPathErr := err.(*os.PathError)
		if !isPathErr && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Settings.Values == nil {
		cfg.Settings.Values = map[string]string{}
	}

	// Policy keys may also come straight from the environment
	// (EMAIL_ENABLED and friends) when settings are config-sourced.
	for _, key := range []string{
		SettingEmailEnabled, SettingEmailSendEnabled,
		SettingAllowExternal, SettingAttachmentMaxMB,
	} {
		if val, ok := os.LookupEnv(key); ok {
			cfg.Settings.Values[key] = val
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. The encryption secret is never
// written; it belongs in the environment or the keyring.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("mail", cfg.Mail)
	v.Set("log", cfg.Log)
	v.Set("settings", cfg.Settings)
	v.Set("redis", cfg.Redis)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
