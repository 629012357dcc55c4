// Package draft stages outgoing messages behind single-use confirmation
// tokens. A draft is sealed at rest, expires after TTL, and can be
// consumed at most once.
package draft

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/secretbox"
	"github.com/nhle/agentmail/internal/store"
)

// TTL is how long a staged draft stays confirmable.
const TTL = 15 * time.Minute

const (
	tokenBytes      = 32
	snippetMaxRunes = 240
)

// Repository is the subset of store.Store used for drafts.
type Repository interface {
	InsertDraft(ctx context.Context, row store.DraftRow) error
	GetDraft(ctx context.Context, id, userID, provider string) (*store.DraftRow, error)
	DeleteDraft(ctx context.Context, id string) (bool, error)
	ConsumeDraft(ctx context.Context, id, userID, provider, tokenHash string) (*store.DraftRow, error)
	PurgeExpiredDrafts(ctx context.Context, now time.Time) (int64, error)
}

// Store creates and consumes staged drafts.
type Store struct {
	repo Repository
	box  *secretbox.Box
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a draft store.
func NewStore(repo Repository, box *secretbox.Box, opts ...Option) *Store {
	s := &Store{repo: repo, box: box, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDraft seals payload under a new id and confirmation token. The
// token is returned here and nowhere else; only its hash is stored. A
// payload with an unparsable recipient or undecodable attachment is
// rejected before anything is stored.
func (s *Store) CreateDraft(
	ctx context.Context,
	userID, provider string,
	payload model.ComposePayload,
) (*model.DraftCreated, error) {
	payload = payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.EncryptJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("sealing draft: %w", err)
	}

	now := s.now().UTC()
	row := store.DraftRow{
		ID:                uuid.New().String(),
		UserID:            userID,
		Provider:          provider,
		PayloadCiphertext: sealed.Ciphertext,
		PayloadNonce:      sealed.Nonce,
		ConfirmTokenHash:  hashToken(token),
		ExpiresAt:         now.Add(TTL),
		CreatedAt:         now,
	}
	if err := s.repo.InsertDraft(ctx, row); err != nil {
		return nil, fmt.Errorf("staging draft: %w", err)
	}

	preview := Preview(payload)
	preview.ConfirmToken = token
	return &model.DraftCreated{
		DraftID:      row.ID,
		Preview:      preview,
		ConfirmToken: token,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

// VerifyAndConsumeDraft checks token against the stored hash and, on a
// match, deletes the draft and returns its payload. An expired draft is
// deleted and reported as expired; a wrong token leaves the draft intact.
func (s *Store) VerifyAndConsumeDraft(
	ctx context.Context,
	userID, provider, draftID, token string,
) (*model.ComposePayload, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &model.DraftError{Reason: model.DraftInvalidToken, DraftID: draftID}
	}

	row, err := s.repo.GetDraft(ctx, draftID, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	if row == nil {
		return nil, &model.DraftError{Reason: model.DraftNotFound, DraftID: draftID}
	}

	if s.now().After(row.ExpiresAt) {
		if _, err := s.repo.DeleteDraft(ctx, row.ID); err != nil {
			return nil, fmt.Errorf("removing expired draft: %w", err)
		}
		return nil, &model.DraftError{Reason: model.DraftExpired, DraftID: draftID}
	}

	hash := hashToken(token)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(row.ConfirmTokenHash)) != 1 {
		return nil, &model.DraftError{Reason: model.DraftInvalidToken, DraftID: draftID}
	}

	consumed, err := s.repo.ConsumeDraft(ctx, draftID, userID, provider, hash)
	if err != nil {
		return nil, fmt.Errorf("consuming draft: %w", err)
	}
	if consumed == nil {
		return nil, &model.DraftError{Reason: model.DraftNotFound, DraftID: draftID}
	}

	payload, err := s.open(consumed)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetDraft returns the decrypted draft without consuming it, or nil when
// it does not exist for this user and provider.
func (s *Store) GetDraft(
	ctx context.Context,
	userID, provider, draftID string,
) (*model.Draft, error) {
	row, err := s.repo.GetDraft(ctx, draftID, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("loading draft: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	payload, err := s.open(row)
	if err != nil {
		return nil, err
	}
	return &model.Draft{
		ID:        row.ID,
		UserID:    row.UserID,
		Provider:  row.Provider,
		Payload:   payload,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Discard deletes a draft owned by userID and provider. It reports
// whether a draft was removed.
func (s *Store) Discard(ctx context.Context, userID, provider, draftID string) (bool, error) {
	row, err := s.repo.GetDraft(ctx, draftID, userID, provider)
	if err != nil {
		return false, fmt.Errorf("loading draft: %w", err)
	}
	if row == nil {
		return false, nil
	}
	deleted, err := s.repo.DeleteDraft(ctx, row.ID)
	if err != nil {
		return false, fmt.Errorf("discarding draft: %w", err)
	}
	return deleted, nil
}

// PurgeExpired deletes every draft past its expiry.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeExpiredDrafts(ctx, s.now().UTC())
	if err != nil {
		return n, fmt.Errorf("purging drafts: %w", err)
	}
	return n, nil
}

func (s *Store) open(row *store.DraftRow) (model.ComposePayload, error) {
	var payload model.ComposePayload
	sealed := secretbox.Sealed{Nonce: row.PayloadNonce, Ciphertext: row.PayloadCiphertext}
	if err := s.box.DecryptJSON(sealed, &payload); err != nil {
		return model.ComposePayload{}, &model.ConfigurationError{
			Message: "stored draft cannot be decrypted with the current secret",
			Err:     err,
		}
	}
	return payload, nil
}

// Preview returns the non-sensitive projection of payload. The snippet is
// taken from the text body, or the HTML body with tags stripped.
func Preview(payload model.ComposePayload) model.DraftPreview {
	body := payload.TextBody
	if strings.TrimSpace(body) == "" {
		body = payload.HTMLBody
	}

	var attachments []model.AttachmentMeta
	for _, a := range payload.Attachments {
		size, _ := a.Size()
		attachments = append(attachments, model.AttachmentMeta{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        size,
			Inline:      a.Inline,
			CID:         a.CID,
		})
	}

	return model.DraftPreview{
		Subject:     payload.Subject,
		To:          payload.To,
		Cc:          payload.Cc,
		Bcc:         payload.Bcc,
		Snippet:     Snippet(body, snippetMaxRunes),
		Attachments: attachments,
	}
}

// Snippet strips markup from body, collapses whitespace and truncates the
// result to at most limit runes.
func Snippet(body string, limit int) string {
	text := body
	if strings.ContainsAny(text, "<&") {
		text = html2text.HTML2Text(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit]))
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating confirmation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
