package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when an update or delete matches no row.
var ErrNotFound = errors.New("not found")

// ConnectionRow is a persisted mailbox connection. The config is only
// ever held as ciphertext plus the nonce it was sealed under.
type ConnectionRow struct {
	ID               string       `db:"id"`
	UserID           string       `db:"user_id"`
	Provider         string       `db:"provider"`
	ConfigCiphertext []byte       `db:"config_ciphertext"`
	ConfigNonce      []byte       `db:"config_nonce"`
	LastValidatedAt  sql.NullTime `db:"last_validated_at"`
	IsActive         bool         `db:"is_active"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// DraftRow is a persisted send intent. Only the hash of the confirmation
// token is stored.
type DraftRow struct {
	ID                string    `db:"id"`
	UserID            string    `db:"user_id"`
	Provider          string    `db:"provider"`
	PayloadCiphertext []byte    `db:"payload_ciphertext"`
	PayloadNonce      []byte    `db:"payload_nonce"`
	ConfirmTokenHash  string    `db:"confirm_token_hash"`
	ExpiresAt         time.Time `db:"expires_at"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Store defines the persistence interface for mailbox connections, staged
// drafts and organization settings.
type Store interface {
	// === Connections ===

	UpsertConnection(ctx context.Context, row ConnectionRow) error
	GetConnection(ctx context.Context, userID, provider string) (*ConnectionRow, error)
	GetActiveConnection(ctx context.Context, userID, provider string) (*ConnectionRow, error)
	DeactivateConnection(ctx context.Context, userID, provider string) error
	MarkConnectionValidated(ctx context.Context, userID, provider string, at time.Time) error

	// === Drafts ===

	InsertDraft(ctx context.Context, row DraftRow) error
	GetDraft(ctx context.Context, id, userID, provider string) (*DraftRow, error)
	DeleteDraft(ctx context.Context, id string) (bool, error)
	ConsumeDraft(ctx context.Context, id, userID, provider, tokenHash string) (*DraftRow, error)
	PurgeExpiredDrafts(ctx context.Context, now time.Time) (int64, error)

	// === Organization settings ===

	Lookup(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}
