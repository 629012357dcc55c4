// Package secretbox provides authenticated encryption for data at rest
// (mailbox credentials and staged drafts) under a single operator key.
package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nhle/agentmail/internal/model"
)

// KeySize is the required length of the decoded secret.
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned when a sealed value fails authentication.
var ErrDecrypt = errors.New("secretbox: message authentication failed")

// Sealed is a ciphertext together with the nonce it was sealed under.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

// Box seals and opens values with XChaCha20-Poly1305.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from an operator secret encoded as hex, base64 or
// URL-safe base64. It fails with a ConfigurationError unless the secret
// decodes to exactly KeySize bytes.
func New(secret string) (*Box, error) {
	key, err := DecodeKey(secret)
	if err != nil {
		return nil, err
	}
	return NewFromKey(key)
}

// NewFromKey builds a Box from a raw 32-byte key.
func NewFromKey(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, &model.ConfigurationError{
			Message: fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)),
		}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &model.ConfigurationError{Message: "initializing cipher", Err: err}
	}
	return &Box{aead: aead}, nil
}

// DecodeKey decodes an operator secret. Hex is tried first, then the
// base64 alphabets with and without padding.
func DecodeKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, &model.ConfigurationError{Message: "encryption secret is not set"}
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		key, err := decode(secret)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}

	return nil, &model.ConfigurationError{
		Message: fmt.Sprintf("encryption secret must decode to %d bytes (hex or base64)", KeySize),
	}
}

// GenerateKey returns a new random key encoded as URL-safe base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (b *Box) Encrypt(plaintext []byte) (Sealed, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}
	return Sealed{
		Nonce:      nonce,
		Ciphertext: b.aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a sealed value. Any change to the nonce or ciphertext,
// or a different key, yields ErrDecrypt.
func (b *Box) Decrypt(s Sealed) ([]byte, error) {
	if len(s.Nonce) != b.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := b.aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals the result.
func (b *Box) EncryptJSON(v any) (Sealed, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshaling value: %w", err)
	}
	return b.Encrypt(data)
}

// DecryptJSON opens s and unmarshals the plaintext into v.
func (b *Box) DecryptJSON(s Sealed, v any) error {
	data, err := b.Decrypt(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling decrypted value: %w", err)
	}
	return nil
}
