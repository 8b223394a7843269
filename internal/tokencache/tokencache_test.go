package tokencache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/tokencache"
)

type memStore struct {
	mu      sync.Mutex
	entries map[domain.TokenCacheKey]*domain.TokenCacheEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[domain.TokenCacheKey]*domain.TokenCacheEntry)}
}

func (s *memStore) LoadTokenEntry(key domain.TokenCacheKey) (*domain.TokenCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) CompareAndSwapTokenEntry(expectedVersion int64, next *domain.TokenCacheEntry) (*domain.TokenCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[next.Key]
	currentVersion := int64(0)
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		cp := *current
		return &cp, false, nil
	}
	cp := *next
	s.entries[next.Key] = &cp
	out := *next
	return &out, true, nil
}

func (s *memStore) ListTokenEntries() ([]*domain.TokenCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TokenCacheEntry
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type memSecrets struct{}

func (memSecrets) ReadSecret(id string) (map[string]any, error) {
	return map[string]any{"client_id": "cid", "client_secret": "csecret"}, nil
}

type plaintextEncryptor struct{}

func (plaintextEncryptor) Encrypt(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }
func (plaintextEncryptor) Decrypt(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }

// countingRefresher counts how many times Refresh is actually invoked,
// simulating a single HTTP POST to tokenUrl.
type countingRefresher struct {
	calls int64
}

func (r *countingRefresher) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (tokencache.RefreshResult, error) {
	n := atomic.AddInt64(&r.calls, 1)
	time.Sleep(20 * time.Millisecond) // simulate network latency so racers overlap
	return tokencache.RefreshResult{
		AccessToken: fmt.Sprintf("token-v%d", n),
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func TestConcurrentRefreshIsSingleFlighted(t *testing.T) {
	store := newMemStore()
	refresher := &countingRefresher{}
	cache := tokencache.New(store, memSecrets{}, plaintextEncryptor{}, map[domain.GrantType]tokencache.Refresher{
		domain.GrantClientCredentials: refresher,
	})

	adapter := domain.AuthAdapter{ID: "adapter1", Grant: domain.GrantClientCredentials, TokenURL: "https://example.test/token", SecretID: "secret1"}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := cache.Get(context.Background(), adapter, domain.TokenTypeAccess, "")
			require.NoError(t, err)
			results[idx] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&refresher.calls), "exactly one network refresh should occur under concurrent callers")
	for _, r := range results {
		assert.Equal(t, results[0], r, "all callers must observe the same refreshed token")
	}

	entry, err := store.LoadTokenEntry(domain.TokenCacheKey{AdapterID: "adapter1", TokenType: domain.TokenTypeAccess})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.EqualValues(t, 1, entry.Version, "version counter should advance by exactly 1")
	assert.False(t, entry.RefreshInFlight)
}

func TestCachedTokenReturnedWithoutRefresh(t *testing.T) {
	store := newMemStore()
	refresher := &countingRefresher{}
	cache := tokencache.New(store, memSecrets{}, plaintextEncryptor{}, map[domain.GrantType]tokencache.Refresher{
		domain.GrantClientCredentials: refresher,
	})
	adapter := domain.AuthAdapter{ID: "adapter1", Grant: domain.GrantClientCredentials, TokenURL: "https://example.test/token", SecretID: "secret1"}

	_, err := cache.Get(context.Background(), adapter, domain.TokenTypeAccess, "")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), adapter, domain.TokenTypeAccess, "")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt64(&refresher.calls), "second call within refreshSkew must not trigger another refresh")
}

func TestRefreshFailureClearsInFlightAndRecordsError(t *testing.T) {
	store := newMemStore()
	cache := tokencache.New(store, memSecrets{}, plaintextEncryptor{}, map[domain.GrantType]tokencache.Refresher{
		domain.GrantClientCredentials: failingRefresher{},
	})
	adapter := domain.AuthAdapter{ID: "adapter2", Grant: domain.GrantClientCredentials, TokenURL: "https://example.test/token", SecretID: "secret1"}

	_, err := cache.Get(context.Background(), adapter, domain.TokenTypeAccess, "")
	assert.Error(t, err)

	entry, err := store.LoadTokenEntry(domain.TokenCacheKey{AdapterID: "adapter2", TokenType: domain.TokenTypeAccess})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.RefreshInFlight)
	assert.NotEmpty(t, entry.LastRefreshError)
}

type failingRefresher struct{}

func (failingRefresher) Refresh(ctx context.Context, adapter domain.AuthAdapter, secret map[string]any, current *domain.TokenCacheEntry) (tokencache.RefreshResult, error) {
	return tokencache.RefreshResult{}, fmt.Errorf("token endpoint returned 500")
}
