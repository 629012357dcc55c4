// Package connection persists mailbox connection configs. Configs are
// sealed with a secretbox.Box before they reach the database and opened
// again on the way out; the repository only ever sees ciphertext.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/secretbox"
	"github.com/nhle/agentmail/internal/store"
)

// Repository is the subset of store.Store used for connections.
type Repository interface {
	UpsertConnection(ctx context.Context, row store.ConnectionRow) error
	GetConnection(ctx context.Context, userID, provider string) (*store.ConnectionRow, error)
	GetActiveConnection(ctx context.Context, userID, provider string) (*store.ConnectionRow, error)
	DeactivateConnection(ctx context.Context, userID, provider string) error
	MarkConnectionValidated(ctx context.Context, userID, provider string, at time.Time) error
}

// Store reads and writes encrypted connection configs.
type Store struct {
	repo Repository
	box  *secretbox.Box
	now  func() time.Time
}

// NewStore creates a connection store.
func NewStore(repo Repository, box *secretbox.Box) *Store {
	return &Store{repo: repo, box: box, now: time.Now}
}

// GetConnection returns the decrypted active config, or nil when the user
// has no active connection for provider.
func (s *Store) GetConnection(
	ctx context.Context,
	userID, provider string,
) (*model.ConnectionConfig, error) {
	row, err := s.repo.GetActiveConnection(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	cfg, err := s.open(row)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConnection seals cfg and stores it as the user's active connection
// for provider, replacing any previous one.
func (s *Store) SaveConnection(
	ctx context.Context,
	userID, provider string,
	cfg model.ConnectionConfig,
) error {
	sealed, err := s.box.EncryptJSON(cfg)
	if err != nil {
		return fmt.Errorf("sealing connection config: %w", err)
	}
	err = s.repo.UpsertConnection(ctx, store.ConnectionRow{
		UserID:           userID,
		Provider:         provider,
		ConfigCiphertext: sealed.Ciphertext,
		ConfigNonce:      sealed.Nonce,
		IsActive:         true,
	})
	if err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}
	return nil
}

// DeleteConnection deactivates the connection. Deleting a connection that
// does not exist is not an error.
func (s *Store) DeleteConnection(ctx context.Context, userID, provider string) error {
	err := s.repo.DeactivateConnection(ctx, userID, provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

// MarkValidated records a successful live validation.
func (s *Store) MarkValidated(ctx context.Context, userID, provider string) error {
	if err := s.repo.MarkConnectionValidated(ctx, userID, provider, s.now().UTC()); err != nil {
		return fmt.Errorf("marking connection validated: %w", err)
	}
	return nil
}

// GetStatus returns the non-sensitive view of the user's connection, or
// nil when none was ever saved.
func (s *Store) GetStatus(
	ctx context.Context,
	userID, provider string,
) (*model.ConnectionStatus, error) {
	row, err := s.repo.GetConnection(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	cfg, err := s.open(row)
	if err != nil {
		return nil, err
	}

	status := &model.ConnectionStatus{
		Provider:  row.Provider,
		Email:     cfg.Email,
		IsActive:  row.IsActive,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastValidatedAt.Valid {
		at := row.LastValidatedAt.Time
		status.LastValidatedAt = &at
	}
	return status, nil
}

func (s *Store) open(row *store.ConnectionRow) (model.ConnectionConfig, error) {
	var cfg model.ConnectionConfig
	sealed := secretbox.Sealed{Nonce: row.ConfigNonce, Ciphertext: row.ConfigCiphertext}
	if err := s.box.DecryptJSON(sealed, &cfg); err != nil {
		return model.ConnectionConfig{}, &model.ConfigurationError{
			Message: "stored connection cannot be decrypted with the current secret",
			Err:     err,
		}
	}
	return cfg, nil
}
