package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const draftColumns = `id, user_id, provider, payload_ciphertext, payload_nonce,
	confirm_token_hash, expires_at, created_at, updated_at`

// InsertDraft stores a new staged draft.
func (s *SQLStore) InsertDraft(ctx context.Context, row DraftRow) error {
	if row.ID == "" || row.UserID == "" || row.Provider == "" {
		return fmt.Errorf("draft id, user and provider must not be empty")
	}
	if row.ConfirmTokenHash == "" {
		return fmt.Errorf("draft %s has no confirmation hash", row.ID)
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO mail_drafts (`+draftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.UserID, row.Provider, row.PayloadCiphertext, row.PayloadNonce,
		row.ConfirmTokenHash, row.ExpiresAt.UTC(), row.CreatedAt.UTC(), row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting draft %s: %w", row.ID, err)
	}
	return nil
}

// GetDraft returns the draft owned by the user and provider, or nil when
// no such draft exists.
func (s *SQLStore) GetDraft(
	ctx context.Context,
	id, userID, provider string,
) (*DraftRow, error) {
	var row DraftRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+draftColumns+`
		FROM mail_drafts WHERE id = ? AND user_id = ? AND provider = ?`),
		id, userID, provider,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting draft %s: %w", id, err)
	}
	return &row, nil
}

// DeleteDraft removes a draft by ID and reports whether a row was removed.
func (s *SQLStore) DeleteDraft(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM mail_drafts WHERE id = ?"), id)
	if err != nil {
		return false, fmt.Errorf("deleting draft %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ConsumeDraft deletes the draft only if every key still matches and
// returns the deleted row. A nil row with a nil error means another caller
// consumed it first or it never matched.
func (s *SQLStore) ConsumeDraft(
	ctx context.Context,
	id, userID, provider, tokenHash string,
) (*DraftRow, error) {
	var row DraftRow
	err := s.db.GetContext(ctx, &row, s.q(`
		DELETE FROM mail_drafts
		WHERE id = ? AND user_id = ? AND provider = ? AND confirm_token_hash = ?
		RETURNING `+draftColumns),
		id, userID, provider, tokenHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming draft %s: %w", id, err)
	}
	return &row, nil
}

// PurgeExpiredDrafts removes every draft whose expiry is before now and
// returns how many rows were removed.
func (s *SQLStore) PurgeExpiredDrafts(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM mail_drafts WHERE expires_at < ?"), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging drafts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging drafts: %w", err)
	}
	return n, nil
}
