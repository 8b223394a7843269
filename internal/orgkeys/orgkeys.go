// Package orgkeys issues and validates org-scoped API keys for the
// GrantAPIKey inbound credential: a static, long-lived alternative to
// JWT/OAuth2 introspection for webhook senders that can only carry a
// single bearer value.
package orgkeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/flowengine/internal/domain"
)

// Store is the persistence contract a Manager needs.
type Store interface {
	SaveAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*domain.APIKey, error)
}

// Manager issues and validates API keys in the "ocx_<keyID>.<secret>"
// format: KeyID is the lookup handle, secret is checked against a
// bcrypt hash so a leaked row never discloses usable keys.
type Manager struct {
	store Store
}

// New constructs a Manager backed by store.
func New(store Store) *Manager {
	return &Manager{store: store}
}

// Create mints a new API key for orgID, returning the full key (shown to
// the caller exactly once; only its hash is persisted) and the stored record.
func (m *Manager) Create(ctx context.Context, orgID, name string, scopes []string) (fullKey string, key *domain.APIKey, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("orgkeys: generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("orgkeys: generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	fullKey = fmt.Sprintf("ocx_%s.%s", keyID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("orgkeys: hash secret: %w", err)
	}

	key = &domain.APIKey{
		KeyID: keyID, OrgID: orgID, Name: name,
		KeyHash: string(hash), Scopes: scopes, IsActive: true,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("orgkeys: save key: %w", err)
	}
	return fullKey, key, nil
}

// Validate checks fullKey's secret against its stored hash and returns the
// org-scoped record if the key is active and unexpired.
func (m *Manager) Validate(ctx context.Context, fullKey string) (*domain.APIKey, error) {
	if !strings.HasPrefix(fullKey, "ocx_") {
		return nil, errors.New("orgkeys: invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "ocx_"), ".", 2)
	if len(parts) != 2 {
		return nil, errors.New("orgkeys: invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	key, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("orgkeys: lookup key %q: %w", keyID, err)
	}
	if key == nil {
		return nil, errors.New("orgkeys: unknown api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, errors.New("orgkeys: invalid api key secret")
	}
	if !key.IsActive {
		return nil, errors.New("orgkeys: api key inactive")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, errors.New("orgkeys: api key expired")
	}
	return key, nil
}
