package storage

import (
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// tokenEntryRow is the "token_cache_entries" table's row shape. The
// composite key (adapter_id, token_type, scope) is flattened into its own
// columns so CompareAndSwapTokenEntry can filter on them directly, rather
// than nesting domain.TokenCacheKey as a JSON column.
type tokenEntryRow struct {
	AdapterID        string     `json:"adapter_id"`
	TokenType        string     `json:"token_type"`
	Scope            string     `json:"scope"`
	EncryptedAccess  []byte     `json:"encrypted_access,omitempty"`
	EncryptedRefresh []byte     `json:"encrypted_refresh,omitempty"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	Version          int64      `json:"version"`
	RefreshInFlight  bool       `json:"refresh_in_flight"`
	RefreshStartedAt *time.Time `json:"refresh_started_at,omitempty"`
	LastRefreshError string     `json:"last_refresh_error,omitempty"`
}

func (r tokenEntryRow) toDomain() *domain.TokenCacheEntry {
	return &domain.TokenCacheEntry{
		Key:              domain.TokenCacheKey{AdapterID: r.AdapterID, TokenType: domain.TokenType(r.TokenType), Scope: r.Scope},
		EncryptedAccess:  r.EncryptedAccess,
		EncryptedRefresh: r.EncryptedRefresh,
		IssuedAt:         r.IssuedAt,
		ExpiresAt:        r.ExpiresAt,
		LastUsedAt:       r.LastUsedAt,
		Version:          r.Version,
		RefreshInFlight:  r.RefreshInFlight,
		RefreshStartedAt: r.RefreshStartedAt,
		LastRefreshError: r.LastRefreshError,
	}
}

func fromDomainTokenEntry(e *domain.TokenCacheEntry) tokenEntryRow {
	return tokenEntryRow{
		AdapterID: e.Key.AdapterID, TokenType: string(e.Key.TokenType), Scope: e.Key.Scope,
		EncryptedAccess: e.EncryptedAccess, EncryptedRefresh: e.EncryptedRefresh,
		IssuedAt: e.IssuedAt, ExpiresAt: e.ExpiresAt, LastUsedAt: e.LastUsedAt,
		Version: e.Version, RefreshInFlight: e.RefreshInFlight,
		RefreshStartedAt: e.RefreshStartedAt, LastRefreshError: e.LastRefreshError,
	}
}

// LoadTokenEntry implements tokencache.Store.
func (g *Gateway) LoadTokenEntry(key domain.TokenCacheKey) (*domain.TokenCacheEntry, error) {
	var rows []tokenEntryRow
	_, err := g.client.From("token_cache_entries").
		Select("*", "", false).
		Eq("adapter_id", key.AdapterID).
		Eq("token_type", string(key.TokenType)).
		Eq("scope", key.Scope).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: load token entry %s/%s/%s: %w", key.AdapterID, key.TokenType, key.Scope, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// ListTokenEntries implements tokencache.Store.
func (g *Gateway) ListTokenEntries() ([]*domain.TokenCacheEntry, error) {
	var rows []tokenEntryRow
	_, err := g.client.From("token_cache_entries").
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list token entries: %w", err)
	}
	out := make([]*domain.TokenCacheEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// CompareAndSwapTokenEntry implements tokencache.Store. It updates the row
// only where the stored version still equals expectedVersion; an empty
// result set means either no row existed yet (expectedVersion 0, handled
// by falling back to an insert) or another writer already advanced the
// version, in which case the current row wins and the caller loses the
// race.
func (g *Gateway) CompareAndSwapTokenEntry(expectedVersion int64, next *domain.TokenCacheEntry) (*domain.TokenCacheEntry, bool, error) {
	row := fromDomainTokenEntry(next)

	if expectedVersion == 0 {
		current, err := g.LoadTokenEntry(next.Key)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			var inserted []tokenEntryRow
			_, err := g.client.From("token_cache_entries").
				Insert(row, false, "", "", "").
				ExecuteTo(&inserted)
			if err != nil {
				// Lost the race to a concurrent first-insert: report what's there now.
				current, loadErr := g.LoadTokenEntry(next.Key)
				if loadErr != nil {
					return nil, false, loadErr
				}
				return current, false, nil
			}
			return inserted[0].toDomain(), true, nil
		}
		return current, false, nil
	}

	var updated []tokenEntryRow
	_, err := g.client.From("token_cache_entries").
		Update(row, "", "").
		Eq("adapter_id", next.Key.AdapterID).
		Eq("token_type", string(next.Key.TokenType)).
		Eq("scope", next.Key.Scope).
		Eq("version", fmt.Sprintf("%d", expectedVersion)).
		ExecuteTo(&updated)
	if err != nil {
		return nil, false, fmt.Errorf("storage: compare-and-swap token entry: %w", err)
	}
	if len(updated) == 0 {
		current, loadErr := g.LoadTokenEntry(next.Key)
		if loadErr != nil {
			return nil, false, loadErr
		}
		return current, false, nil
	}
	return updated[0].toDomain(), true, nil
}
