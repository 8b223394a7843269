// Package tokencache implements guarded, concurrent-safe credential
// acquisition for outbound connector calls: OAuth2 client_credentials and
// refresh_token grants, locally-minted JWTs, and cookie/session logins,
// all behind a single optimistic-locked cache entry per adapter/scope.
package tokencache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// Store persists TokenCacheEntry records. Implemented by the Storage
// Gateway; CAS is enforced by CompareAndSwap's version check, not by the
// store itself — the store only needs to durably record what it's told.
type Store interface {
	LoadTokenEntry(key domain.TokenCacheKey) (*domain.TokenCacheEntry, error)
	// CompareAndSwapTokenEntry writes next only if the stored entry's
	// version still equals expectedVersion (or no entry exists yet and
	// expectedVersion is 0). It returns the entry actually left in the
	// store and whether the caller's write won the race.
	CompareAndSwapTokenEntry(expectedVersion int64, next *domain.TokenCacheEntry) (*domain.TokenCacheEntry, bool, error)
	ListTokenEntries() ([]*domain.TokenCacheEntry, error)
}

// SecretReader reads adapter credentials (client secret, JWT signing
// material, login password) out of the vault by secret ID.
type SecretReader interface {
	ReadSecret(id string) (map[string]any, error)
}

// Refresher performs the network call (or local mint) for one grant type.
// Separated from Cache so grant implementations are independently testable
// and swappable (e.g. an HTTP stub in tests).
type Refresher interface {
	Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (RefreshResult, error)
}

// RefreshResult is what a grant implementation hands back on success.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty if the grant doesn't rotate a refresh token
	ExpiresAt    time.Time
}

// Encryptor encrypts/decrypts access and refresh tokens at rest using the
// vault's envelope primitive, so a TokenCacheEntry never holds plaintext.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

const (
	defaultRefreshSkew  = 5 * time.Minute
	defaultStaleness    = 60 * time.Second
	defaultWaitTimeout  = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Cache is the guarded-refresh credential cache. One Cache instance is
// shared by every connector executor in the process.
type Cache struct {
	store     Store
	secrets   SecretReader
	enc       Encryptor
	refreshers map[domain.GrantType]Refresher

	refreshSkew  time.Duration
	staleness    time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration

	mu     sync.Mutex // serializes the CAS-retry loop per process; the Store itself enforces the real CAS
	logger *slog.Logger
}

// Option configures a Cache at construction.
type Option func(*Cache)

func WithRefreshSkew(d time.Duration) Option  { return func(c *Cache) { c.refreshSkew = d } }
func WithStaleness(d time.Duration) Option    { return func(c *Cache) { c.staleness = d } }
func WithWaitTimeout(d time.Duration) Option  { return func(c *Cache) { c.waitTimeout = d } }

// New constructs a Cache wired to its persistence, secret, encryption, and
// grant-type dependencies.
func New(store Store, secrets SecretReader, enc Encryptor, refreshers map[domain.GrantType]Refresher, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		secrets:      secrets,
		enc:          enc,
		refreshers:   refreshers,
		refreshSkew:  defaultRefreshSkew,
		staleness:    defaultStaleness,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
		logger:       slog.Default().With("component", "tokencache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a valid access token for adapter/scope, refreshing it first
// if necessary. At most one network refresh happens per key even under
// concurrent callers; the rest observe the refreshed value.
func (c *Cache) Get(ctx context.Context, adapter domain.AuthAdapter, tokenType domain.TokenType, scope string) (string, error) {
	key := domain.TokenCacheKey{AdapterID: adapter.ID, TokenType: tokenType, Scope: scope}

	entry, err := c.store.LoadTokenEntry(key)
	if err != nil {
		return "", fmt.Errorf("tokencache: load entry: %w", err)
	}
	now := time.Now()

	if entry != nil && !entry.NeedsRefresh(now, c.refreshSkew) && !entry.RefreshInFlight {
		return c.decryptAccess(entry)
	}

	return c.guardedRefresh(ctx, adapter, key, entry)
}

// guardedRefresh implements the compare-and-swap refresh protocol: win the
// CAS and perform the network call, or lose it and poll the winner's
// heartbeat until the refreshed value appears.
func (c *Cache) guardedRefresh(ctx context.Context, adapter domain.AuthAdapter, key domain.TokenCacheKey, entry *domain.TokenCacheEntry) (string, error) {
	for {
		now := time.Now()
		var expectedVersion int64
		base := entry
		if base == nil {
			base = &domain.TokenCacheEntry{Key: key}
		} else if !base.RefreshStuck(now, c.staleness) && base.RefreshInFlight {
			// Someone else is actively refreshing; wait for them rather than
			// contending on the CAS.
			waited, err := c.waitForRefresh(ctx, key, base.Version)
			if err != nil {
				return "", err
			}
			if waited != nil && !waited.RefreshInFlight {
				return c.decryptAccess(waited)
			}
			entry = waited
			continue
		}
		expectedVersion = base.Version

		claim := *base
		claim.RefreshInFlight = true
		claim.RefreshStartedAt = &now

		won, winner, err := c.tryClaim(expectedVersion, &claim)
		if err != nil {
			return "", err
		}
		if !won {
			// Lost the race: someone else's write landed first. Re-read and
			// either observe their completed refresh or retry the loop.
			entry = winner
			continue
		}

		return c.performRefresh(ctx, adapter, key, &claim)
	}
}

func (c *Cache) tryClaim(expectedVersion int64, claim *domain.TokenCacheEntry) (bool, *domain.TokenCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, won, err := c.store.CompareAndSwapTokenEntry(expectedVersion, claim)
	if err != nil {
		return false, nil, fmt.Errorf("tokencache: claim refresh: %w", err)
	}
	return won, stored, nil
}

func (c *Cache) performRefresh(ctx context.Context, adapter domain.AuthAdapter, key domain.TokenCacheKey, claimed *domain.TokenCacheEntry) (string, error) {
	refresher, ok := c.refreshers[adapter.Grant]
	if !ok {
		return "", fmt.Errorf("tokencache: no refresher registered for grant %q", adapter.Grant)
	}

	secret, err := c.secrets.ReadSecret(adapter.SecretID)
	if err != nil {
		c.abortRefresh(claimed, fmt.Sprintf("read secret: %v", err))
		return "", fmt.Errorf("tokencache: read secret for adapter %s: %w", adapter.ID, err)
	}

	result, err := refresher.Refresh(ctx, adapter, secret, claimed)
	if err != nil {
		c.abortRefresh(claimed, err.Error())
		return "", fmt.Errorf("tokencache: refresh adapter %s: %w", adapter.ID, err)
	}

	encAccess, err := c.enc.Encrypt([]byte(result.AccessToken))
	if err != nil {
		return "", fmt.Errorf("tokencache: encrypt access token: %w", err)
	}
	next := *claimed
	next.EncryptedAccess = encAccess
	next.IssuedAt = time.Now()
	next.ExpiresAt = result.ExpiresAt
	next.RefreshInFlight = false
	next.RefreshStartedAt = nil
	next.LastRefreshError = ""
	next.Version = claimed.Version + 1

	if result.RefreshToken != "" {
		encRefresh, err := c.enc.Encrypt([]byte(result.RefreshToken))
		if err != nil {
			return "", fmt.Errorf("tokencache: encrypt refresh token: %w", err)
		}
		next.EncryptedRefresh = encRefresh
	}

	if _, _, err := c.store.CompareAndSwapTokenEntry(claimed.Version, &next); err != nil {
		return "", fmt.Errorf("tokencache: persist refreshed entry: %w", err)
	}
	return result.AccessToken, nil
}

func (c *Cache) abortRefresh(claimed *domain.TokenCacheEntry, reason string) {
	next := *claimed
	next.RefreshInFlight = false
	next.RefreshStartedAt = nil
	next.LastRefreshError = reason
	next.Version = claimed.Version + 1
	if _, _, err := c.store.CompareAndSwapTokenEntry(claimed.Version, &next); err != nil {
		c.logger.Warn("failed to clear refreshInFlight after failed refresh", "error", err)
	}
}

// waitForRefresh polls the store with jittered backoff until the entry's
// version advances past lastSeenVersion or refreshInFlight clears,
// bounded by c.waitTimeout.
func (c *Cache) waitForRefresh(ctx context.Context, key domain.TokenCacheKey, lastSeenVersion int64) (*domain.TokenCacheEntry, error) {
	deadline := time.Now().Add(c.waitTimeout)
	interval := c.pollInterval
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tokencache: timed out waiting for in-flight refresh on adapter %s", key.AdapterID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(interval)):
		}

		entry, err := c.store.LoadTokenEntry(key)
		if err != nil {
			return nil, fmt.Errorf("tokencache: poll entry: %w", err)
		}
		if entry == nil {
			continue
		}
		if entry.Version > lastSeenVersion || !entry.RefreshInFlight {
			return entry, nil
		}
		interval = minDuration(interval*2, 2*time.Second)
	}
}

func (c *Cache) decryptAccess(entry *domain.TokenCacheEntry) (string, error) {
	plaintext, err := c.enc.Decrypt(entry.EncryptedAccess)
	if err != nil {
		return "", fmt.Errorf("tokencache: decrypt access token: %w", err)
	}
	return string(plaintext), nil
}

func jitter(base time.Duration) time.Duration {
	spread := float64(base) * 0.2
	return base + time.Duration(rand.Float64()*2*spread-spread)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
