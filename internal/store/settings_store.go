package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lookup returns the organization setting stored under key. Keys are
// case-insensitive and stored upper case.
func (s *SQLStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		s.q("SELECT value FROM org_settings WHERE key = ?"), normalizeKey(key))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting creates or replaces an organization setting.
func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("setting key must not be empty")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO org_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes an organization setting.
func (s *SQLStore) DeleteSetting(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM org_settings WHERE key = ?"), normalizeKey(key))
	if err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
