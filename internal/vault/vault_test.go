package vault_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/config"
	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/vault"
)

// memStore is a minimal in-memory SecretStore for exercising the vault
// without a real Storage Gateway.
type memStore struct {
	mu      sync.Mutex
	mk      *domain.MasterKey
	secrets map[string]*domain.Secret
}

func newMemStore() *memStore {
	return &memStore{secrets: make(map[string]*domain.Secret)}
}

func (s *memStore) LoadMasterKey() (*domain.MasterKey, error) { return s.mk, nil }
func (s *memStore) SaveMasterKey(mk *domain.MasterKey) error  { s.mk = mk; return nil }
func (s *memStore) SaveSecret(sec *domain.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[sec.ID] = sec
	return nil
}
func (s *memStore) LoadSecret(id string) (*domain.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[id], nil
}
func (s *memStore) ListSecrets() ([]*domain.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Secret, 0, len(s.secrets))
	for _, sec := range s.secrets {
		out = append(out, sec)
	}
	return out, nil
}
func (s *memStore) DeleteSecret(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, id)
	return nil
}
func (s *memStore) DeleteAllSecrets() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]*domain.Secret)
	return nil
}

func testConfig() *config.VaultConfig {
	return &config.VaultConfig{
		ArgonMemoryKiB:    64 * 1024,
		ArgonIterations:   3,
		ArgonParallelism:  4,
		MaxFailedAttempts: 3,
		LockoutBackoffSec: 1,
	}
}

func TestVaultLifecycle(t *testing.T) {
	store := newMemStore()
	v, err := vault.New(store, testConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.VaultStateUninitialized, v.State())

	recoveryCode, err := v.Initialize("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, recoveryCode)
	assert.Equal(t, domain.VaultStateLocked, v.State())

	_, err = v.Initialize("another seed phrase here")
	assert.ErrorIs(t, err, vault.ErrAlreadyInitialized)

	require.ErrorIs(t, v.Unlock("wrong seed phrase here"), vault.ErrWrongSeed)

	require.NoError(t, v.Unlock("correct horse battery staple"))
	assert.Equal(t, domain.VaultStateUnlocked, v.State())

	v.Lock()
	assert.Equal(t, domain.VaultStateLocked, v.State())
}

func TestVaultLockoutAfterFailedAttempts(t *testing.T) {
	store := newMemStore()
	v, err := vault.New(store, testConfig())
	require.NoError(t, err)
	_, err = v.Initialize("correct horse battery staple")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, v.Unlock("wrong seed"), vault.ErrWrongSeed)
	}
	assert.ErrorIs(t, v.Unlock("correct horse battery staple"), vault.ErrLockedOut)
}

func TestSecretWriteReadRoundtrip(t *testing.T) {
	store := newMemStore()
	v, err := vault.New(store, testConfig())
	require.NoError(t, err)
	_, err = v.Initialize("correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, v.Unlock("correct horse battery staple"))

	payload := map[string]any{"key": "sk_live_abc123"}
	require.NoError(t, v.WriteSecret("sec-1", domain.IntegrationAPIKey, "Stripe", payload, domain.SecretMetadata{ServiceName: "stripe"}))

	got, secret, err := v.ReadSecret("sec-1")
	require.NoError(t, err)
	assert.Equal(t, "sk_live_abc123", got["key"])
	assert.Equal(t, "stripe", secret.Metadata.ServiceName)
	assert.NotEmpty(t, secret.Ciphertext)
	assert.NotEqual(t, []byte("sk_live_abc123"), secret.Ciphertext)
}

func TestWriteSecretRequiresUnlocked(t *testing.T) {
	store := newMemStore()
	v, err := vault.New(store, testConfig())
	require.NoError(t, err)
	_, err = v.Initialize("correct horse battery staple")
	require.NoError(t, err)

	err = v.WriteSecret("sec-1", domain.IntegrationAPIKey, "x", map[string]any{"key": "v"}, domain.SecretMetadata{})
	assert.ErrorIs(t, err, vault.ErrLocked)
}

func TestValidatePayloadRejectsMissingFields(t *testing.T) {
	err := vault.ValidatePayload(domain.IntegrationOAuth2, map[string]any{"clientId": "abc"})
	assert.Error(t, err)
}
