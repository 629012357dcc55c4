// Package credential keeps the operator encryption secret in the system
// keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "agentmail"

// EncryptionSecretKey is the keyring entry holding the SecretBox key.
const EncryptionSecretKey = "encryption-secret"

// ErrNotFound is returned when the keyring has no entry for a key.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes keyring entries under the agentmail service.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the first available system keyring,
// falling back to an encrypted file under ~/.config/agentmail.
func Open() (*Store, error) {
	return open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/agentmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("agentmail-file-key"),
		KeychainTrustApplication: true,
	})
}

// OpenFile returns a Store using only the encrypted file backend in dir.
func OpenFile(dir, password string) (*Store, error) {
	return open(keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
}

func open(cfg keyring.Config) (*Store, error) {
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Store) Set(key string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "agentmail " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// EncryptionSecret returns the stored SecretBox key, or ErrNotFound.
func (s *Store) EncryptionSecret() (string, error) {
	return s.Get(EncryptionSecretKey)
}

// SetEncryptionSecret stores the SecretBox key.
func (s *Store) SetEncryptionSecret(secret string) error {
	return s.Set(EncryptionSecretKey, secret)
}
