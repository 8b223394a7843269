package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// apiKeyRow is the "api_keys" table's row shape.
type apiKeyRow struct {
	KeyID     string     `json:"key_id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	Scopes    []string   `json:"scopes,omitempty"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (r apiKeyRow) toDomain() *domain.APIKey {
	return &domain.APIKey{
		KeyID: r.KeyID, OrgID: r.OrgID, Name: r.Name, KeyHash: r.KeyHash,
		Scopes: r.Scopes, IsActive: r.IsActive, ExpiresAt: r.ExpiresAt, CreatedAt: r.CreatedAt,
	}
}

func fromDomainAPIKey(k *domain.APIKey) apiKeyRow {
	return apiKeyRow{
		KeyID: k.KeyID, OrgID: k.OrgID, Name: k.Name, KeyHash: k.KeyHash,
		Scopes: k.Scopes, IsActive: k.IsActive, ExpiresAt: k.ExpiresAt, CreatedAt: k.CreatedAt,
	}
}

// SaveAPIKey implements orgkeys.Store: inserts a freshly minted key record.
func (g *Gateway) SaveAPIKey(ctx context.Context, key *domain.APIKey) error {
	var result []apiKeyRow
	_, err := g.client.From("api_keys").
		Insert(fromDomainAPIKey(key), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save api key %q: %w", key.KeyID, err)
	}
	return nil
}

// GetAPIKey implements orgkeys.Store: looks up a key by its id half. A
// missing key returns (nil, nil), matching orgkeys.Manager.Validate's
// expectation that it distinguishes "not found" from a query error.
func (g *Gateway) GetAPIKey(ctx context.Context, keyID string) (*domain.APIKey, error) {
	var rows []apiKeyRow
	_, err := g.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get api key %q: %w", keyID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}
