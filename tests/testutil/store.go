package testutil

import (
	"testing"

	"github.com/nhle/agentmail/internal/secretbox"
	"github.com/nhle/agentmail/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestBox returns a Box sealed under a fresh random key.
func NewTestBox(t *testing.T) *secretbox.Box {
	t.Helper()

	secret, err := secretbox.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	box, err := secretbox.New(secret)
	if err != nil {
		t.Fatalf("creating box: %v", err)
	}
	return box
}
