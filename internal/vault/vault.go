package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/ocx/flowengine/internal/config"
	"github.com/ocx/flowengine/internal/domain"
)

// saltSize is the Argon2id salt length.
const saltSize = 32

// keySize is the derived raw AES-256 key length.
const keySize = 32

var (
	ErrAlreadyInitialized = fmt.Errorf("vault: already initialized")
	ErrNotInitialized     = fmt.Errorf("vault: not initialized")
	ErrLocked             = fmt.Errorf("vault: locked")
	ErrLockedOut          = fmt.Errorf("vault: locked out after too many failed attempts")
	ErrWrongSeed          = fmt.Errorf("vault: incorrect master seed")
	ErrSeedTooShort       = fmt.Errorf("vault: master seed must be at least 12 characters")
)

// SecretStore persists Secret records and the vault's MasterKey record.
// Implemented by the Storage Gateway.
type SecretStore interface {
	LoadMasterKey() (*domain.MasterKey, error)
	SaveMasterKey(*domain.MasterKey) error
	SaveSecret(*domain.Secret) error
	LoadSecret(id string) (*domain.Secret, error)
	ListSecrets() ([]*domain.Secret, error)
	DeleteSecret(id string) error
	DeleteAllSecrets() error
}

// Vault is the process-wide secrets vault. Its derived key is held in RAM
// only while unlocked, guarded by a read-write lock so reads don't block
// on each other while writes stay exclusive.
type Vault struct {
	mu     sync.RWMutex
	store  SecretStore
	cfg    *config.VaultConfig
	state  domain.VaultState
	key    []byte // nil unless unlocked
	logger *slog.Logger
}

// New constructs a Vault in uninitialized or locked state depending on
// whether a MasterKey record already exists in the store.
func New(store SecretStore, cfg *config.VaultConfig) (*Vault, error) {
	v := &Vault{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "vault"),
	}
	mk, err := store.LoadMasterKey()
	if err != nil {
		return nil, fmt.Errorf("vault: load master key: %w", err)
	}
	if mk == nil {
		v.state = domain.VaultStateUninitialized
	} else {
		v.state = domain.VaultStateLocked
	}
	return v, nil
}

// State returns the current vault lifecycle state.
func (v *Vault) State() domain.VaultState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Initialize moves uninitialized -> locked, deriving and storing the
// MasterKey record (never the raw key itself). Returns an out-of-band
// recovery code the operator must store separately.
func (v *Vault) Initialize(masterSeed string) (recoveryCode string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != domain.VaultStateUninitialized {
		return "", ErrAlreadyInitialized
	}
	if len(masterSeed) < 12 {
		return "", ErrSeedTooShort
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(masterSeed), salt, v.cfg.ArgonIterations, v.cfg.ArgonMemoryKiB, v.cfg.ArgonParallelism, keySize)

	mk := &domain.MasterKey{
		Salt:             salt,
		Hash:             hash,
		ArgonMemoryKiB:   v.cfg.ArgonMemoryKiB,
		ArgonIterations:  v.cfg.ArgonIterations,
		ArgonParallelism: v.cfg.ArgonParallelism,
	}
	if err := v.store.SaveMasterKey(mk); err != nil {
		return "", fmt.Errorf("vault: save master key: %w", err)
	}

	recoveryBytes := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, recoveryBytes); err != nil {
		return "", fmt.Errorf("vault: generate recovery code: %w", err)
	}
	recoveryCode = fmt.Sprintf("%x", recoveryBytes)

	v.state = domain.VaultStateLocked
	v.logger.Info("vault initialized")
	return recoveryCode, nil
}

// Unlock moves locked -> unlocked, deriving the raw key into RAM on
// success. Failed attempts increment a counter and, past the configured
// threshold, impose a lockout window.
func (v *Vault) Unlock(masterSeed string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == domain.VaultStateUninitialized {
		return ErrNotInitialized
	}
	if v.state == domain.VaultStateUnlocked {
		return nil
	}

	mk, err := v.store.LoadMasterKey()
	if err != nil {
		return fmt.Errorf("vault: load master key: %w", err)
	}
	if mk == nil {
		return ErrNotInitialized
	}
	if mk.LockedUntil != nil && time.Now().Before(*mk.LockedUntil) {
		return ErrLockedOut
	}

	candidate := argon2.IDKey([]byte(masterSeed), mk.Salt, mk.ArgonIterations, mk.ArgonMemoryKiB, mk.ArgonParallelism, keySize)
	if subtle.ConstantTimeCompare(candidate, mk.Hash) != 1 {
		mk.FailedAttempts++
		if mk.FailedAttempts >= v.cfg.MaxFailedAttempts {
			until := time.Now().Add(time.Duration(v.cfg.LockoutBackoffSec) * time.Second * time.Duration(mk.FailedAttempts-v.cfg.MaxFailedAttempts+1))
			mk.LockedUntil = &until
		}
		if saveErr := v.store.SaveMasterKey(mk); saveErr != nil {
			v.logger.Error("vault: failed to persist failed-attempt counter", "error", saveErr)
		}
		return ErrWrongSeed
	}

	mk.FailedAttempts = 0
	mk.LockedUntil = nil
	if err := v.store.SaveMasterKey(mk); err != nil {
		v.logger.Error("vault: failed to persist attempt reset", "error", err)
	}

	// Derive the raw encryption key the same way, in raw (non-encoded) mode.
	v.key = argon2.IDKey([]byte(masterSeed), mk.Salt, mk.ArgonIterations, mk.ArgonMemoryKiB, mk.ArgonParallelism, keySize)
	v.state = domain.VaultStateUnlocked
	v.logger.Info("vault unlocked")
	return nil
}

// Lock moves unlocked -> locked, zeroing the in-RAM key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		for i := range v.key {
			v.key[i] = 0
		}
		v.key = nil
	}
	if v.state == domain.VaultStateUnlocked {
		v.state = domain.VaultStateLocked
	}
}

// Reset destructively erases all secrets and the master key, returning the
// vault to uninitialized.
func (v *Vault) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.DeleteAllSecrets(); err != nil {
		return fmt.Errorf("vault: reset: %w", err)
	}
	if err := v.store.SaveMasterKey(nil); err != nil {
		return fmt.Errorf("vault: reset: clear master key: %w", err)
	}
	if v.key != nil {
		for i := range v.key {
			v.key[i] = 0
		}
		v.key = nil
	}
	v.state = domain.VaultStateUninitialized
	v.logger.Warn("vault reset")
	return nil
}

// Encrypt seals plaintext under the vault's unlocked master key, packing
// the GCM nonce, ciphertext, and tag into one opaque blob. It implements
// tokencache.Encryptor so cached access/refresh tokens share the same
// envelope primitive as WriteSecret rather than a second scheme.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	state, key := v.state, v.key
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return nil, ErrLocked
	}
	env, err := sealWithKey(key, plaintext)
	if err != nil {
		return nil, err
	}
	return packEnvelope(env), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	state, key := v.state, v.key
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return nil, ErrLocked
	}
	env, err := unpackEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	return openWithKey(key, env)
}

// WriteSecret validates payload against its integrationType's schema,
// encrypts it, and persists the envelope plus nonsensitive metadata.
func (v *Vault) WriteSecret(id string, integrationType domain.IntegrationType, label string, payload map[string]any, metadata domain.SecretMetadata) error {
	v.mu.RLock()
	state, key := v.state, v.key
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return ErrLocked
	}

	if err := ValidatePayload(integrationType, payload); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vault: marshal payload: %w", err)
	}

	env, err := sealWithKey(key, raw)
	if err != nil {
		return err
	}

	secret := &domain.Secret{
		ID:              id,
		IntegrationType: integrationType,
		Label:           label,
		Ciphertext:      env.Ciphertext,
		IV:              env.IV,
		AuthTag:         env.AuthTag,
		Metadata:        metadata,
		Enabled:         true,
		LastRotatedAt:   time.Now(),
		CreatedAt:       time.Now(),
	}
	if existing, _ := v.store.LoadSecret(id); existing != nil {
		secret.CreatedAt = existing.CreatedAt
	}

	return v.store.SaveSecret(secret)
}

// ReadSecret decrypts a secret's payload. The plaintext is never persisted
// by the caller's responsibility; the vault itself never stores it.
func (v *Vault) ReadSecret(id string) (map[string]any, *domain.Secret, error) {
	v.mu.RLock()
	state, key := v.state, v.key
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return nil, nil, ErrLocked
	}

	secret, err := v.store.LoadSecret(id)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: load secret: %w", err)
	}
	if secret == nil {
		return nil, nil, fmt.Errorf("vault: secret %q not found", id)
	}

	plaintext, err := openWithKey(key, Envelope{Ciphertext: secret.Ciphertext, IV: secret.IV, AuthTag: secret.AuthTag})
	if err != nil {
		return nil, nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("vault: unmarshal payload: %w", err)
	}
	return payload, secret, nil
}

// DeleteSecret removes a secret. Requires unlocked state.
func (v *Vault) DeleteSecret(id string) error {
	v.mu.RLock()
	state := v.state
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return ErrLocked
	}
	return v.store.DeleteSecret(id)
}

// ListSecrets returns metadata-only secret records (no decryption).
func (v *Vault) ListSecrets() ([]*domain.Secret, error) {
	v.mu.RLock()
	state := v.state
	v.mu.RUnlock()
	if state != domain.VaultStateUnlocked {
		return nil, ErrLocked
	}
	return v.store.ListSecrets()
}
