package secretbox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/agentmail/internal/model"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	box, err := NewFromKey(newKey(t))
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"email":"a@b.com","password":"hunter2"}`),
		bytes.Repeat([]byte{0xff}, 4096),
	} {
		sealed, err := box.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, sealed.Nonce, 24)

		got, err := box.Decrypt(sealed)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	box, err := NewFromKey(newKey(t))
	require.NoError(t, err)

	a, err := box.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := box.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptFailsOnTamperOrWrongKey(t *testing.T) {
	box, err := NewFromKey(newKey(t))
	require.NoError(t, err)
	other, err := NewFromKey(newKey(t))
	require.NoError(t, err)

	sealed, err := box.Encrypt([]byte("confidential"))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	for i := range sealed.Nonce {
		flipped := Sealed{Nonce: bytes.Clone(sealed.Nonce), Ciphertext: sealed.Ciphertext}
		flipped.Nonce[i] ^= 0x01
		_, err := box.Decrypt(flipped)
		assert.ErrorIs(t, err, ErrDecrypt, "nonce byte %d", i)
	}

	for i := range sealed.Ciphertext {
		flipped := Sealed{Nonce: sealed.Nonce, Ciphertext: bytes.Clone(sealed.Ciphertext)}
		flipped.Ciphertext[i] ^= 0x80
		_, err := box.Decrypt(flipped)
		assert.ErrorIs(t, err, ErrDecrypt, "ciphertext byte %d", i)
	}

	_, err = box.Decrypt(Sealed{Nonce: sealed.Nonce[:12], Ciphertext: sealed.Ciphertext})
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewAcceptsKeyEncodings(t *testing.T) {
	key := newKey(t)

	encodings := map[string]string{
		"hex":        hex.EncodeToString(key),
		"base64":     base64.StdEncoding.EncodeToString(key),
		"base64raw":  base64.RawStdEncoding.EncodeToString(key),
		"base64url":  base64.URLEncoding.EncodeToString(key),
		"urlraw":     base64.RawURLEncoding.EncodeToString(key),
		"whitespace": "  " + hex.EncodeToString(key) + "\n",
	}

	reference, err := NewFromKey(key)
	require.NoError(t, err)
	sealed, err := reference.Encrypt([]byte("payload"))
	require.NoError(t, err)

	for name, secret := range encodings {
		t.Run(name, func(t *testing.T) {
			box, err := New(secret)
			require.NoError(t, err)
			got, err := box.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(got))
		})
	}
}

func TestNewRejectsBadSecrets(t *testing.T) {
	for name, secret := range map[string]string{
		"empty":     "",
		"blank":     "   ",
		"short":     hex.EncodeToString(make([]byte, 16)),
		"long":      base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, 48)),
		"not-coded": "this is not a key at all!!",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(secret)
			require.Error(t, err)
			assert.True(t, model.IsConfigurationError(err))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	box, err := NewFromKey(newKey(t))
	require.NoError(t, err)

	in := model.ConnectionConfig{Email: "a@example.com", Password: "pw", IMAPPort: 993}
	sealed, err := box.EncryptJSON(in)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Ciphertext), "pw")

	var out model.ConnectionConfig
	require.NoError(t, box.DecryptJSON(sealed, &out))
	assert.Equal(t, in, out)
}

func TestGenerateKey(t *testing.T) {
	secret, err := GenerateKey()
	require.NoError(t, err)
	_, err = New(secret)
	assert.NoError(t, err)
}
