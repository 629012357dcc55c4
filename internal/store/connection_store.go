package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const connectionColumns = `id, user_id, provider, config_ciphertext, config_nonce,
	last_validated_at, is_active, created_at, updated_at`

// UpsertConnection inserts the connection or, when one already exists for
// the same user and provider, replaces its sealed config. Either way the
// row ends up active with its validation stamp cleared.
func (s *SQLStore) UpsertConnection(ctx context.Context, row ConnectionRow) error {
	if row.UserID == "" || row.Provider == "" {
		return fmt.Errorf("connection user and provider must not be empty")
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO mail_connections (
			id, user_id, provider, config_ciphertext, config_nonce,
			last_validated_at, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			config_ciphertext = excluded.config_ciphertext,
			config_nonce = excluded.config_nonce,
			last_validated_at = NULL,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`),
		row.ID, row.UserID, row.Provider, row.ConfigCiphertext, row.ConfigNonce,
		true, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting connection for %s/%s: %w", row.UserID, row.Provider, err)
	}
	return nil
}

// GetConnection returns the connection row for the user and provider,
// active or not, or nil when none was ever saved.
func (s *SQLStore) GetConnection(
	ctx context.Context,
	userID, provider string,
) (*ConnectionRow, error) {
	return s.getConnection(ctx, `SELECT `+connectionColumns+`
		FROM mail_connections WHERE user_id = ? AND provider = ?`,
		userID, provider)
}

// GetActiveConnection returns the active connection row for the user and
// provider, or nil when there is none.
func (s *SQLStore) GetActiveConnection(
	ctx context.Context,
	userID, provider string,
) (*ConnectionRow, error) {
	return s.getConnection(ctx, `SELECT `+connectionColumns+`
		FROM mail_connections WHERE user_id = ? AND provider = ? AND is_active = ?`,
		userID, provider, true)
}

func (s *SQLStore) getConnection(ctx context.Context, query string, args ...any) (*ConnectionRow, error) {
	var row ConnectionRow
	err := s.db.GetContext(ctx, &row, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	return &row, nil
}

// DeactivateConnection marks the connection inactive. The row is kept.
func (s *SQLStore) DeactivateConnection(ctx context.Context, userID, provider string) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mail_connections SET is_active = ?, updated_at = ?
		WHERE user_id = ? AND provider = ?`),
		false, time.Now().UTC(), userID, provider,
	)
	if err != nil {
		return fmt.Errorf("deactivating connection for %s/%s: %w", userID, provider, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConnectionValidated stamps the active connection's last successful
// validation time.
func (s *SQLStore) MarkConnectionValidated(
	ctx context.Context,
	userID, provider string,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mail_connections SET last_validated_at = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND is_active = ?`),
		at.UTC(), time.Now().UTC(), userID, provider, true,
	)
	if err != nil {
		return fmt.Errorf("marking connection validated for %s/%s: %w", userID, provider, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
