package storage

import (
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// masterKeyRow is the "vault_master_key" table's row shape. The vault
// holds exactly one master key, so every row uses the fixed id 1.
type masterKeyRow struct {
	ID               int        `json:"id"`
	Salt             []byte     `json:"salt"`
	Hash             []byte     `json:"hash"`
	ArgonMemoryKiB   uint32     `json:"argon_memory_kib"`
	ArgonIterations  uint32     `json:"argon_iterations"`
	ArgonParallelism uint8      `json:"argon_parallelism"`
	FailedAttempts   int        `json:"failed_attempts"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
}

const masterKeyRowID = 1

// LoadMasterKey implements vault.SecretStore.
func (g *Gateway) LoadMasterKey() (*domain.MasterKey, error) {
	var rows []masterKeyRow
	_, err := g.client.From("vault_master_key").
		Select("*", "", false).
		Eq("id", fmt.Sprintf("%d", masterKeyRowID)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: load master key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &domain.MasterKey{
		Salt: r.Salt, Hash: r.Hash,
		ArgonMemoryKiB: r.ArgonMemoryKiB, ArgonIterations: r.ArgonIterations, ArgonParallelism: r.ArgonParallelism,
		FailedAttempts: r.FailedAttempts, LockedUntil: r.LockedUntil,
	}, nil
}

// SaveMasterKey implements vault.SecretStore. A nil mk deletes the master
// key row, which is how vault.Reset clears it.
func (g *Gateway) SaveMasterKey(mk *domain.MasterKey) error {
	if mk == nil {
		var deleted []masterKeyRow
		_, err := g.client.From("vault_master_key").
			Delete("", "").
			Eq("id", fmt.Sprintf("%d", masterKeyRowID)).
			ExecuteTo(&deleted)
		if err != nil {
			return fmt.Errorf("storage: delete master key: %w", err)
		}
		return nil
	}
	row := masterKeyRow{
		ID: masterKeyRowID, Salt: mk.Salt, Hash: mk.Hash,
		ArgonMemoryKiB: mk.ArgonMemoryKiB, ArgonIterations: mk.ArgonIterations, ArgonParallelism: mk.ArgonParallelism,
		FailedAttempts: mk.FailedAttempts, LockedUntil: mk.LockedUntil,
	}
	var result []masterKeyRow
	_, err := g.client.From("vault_master_key").
		Upsert(row, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save master key: %w", err)
	}
	return nil
}

// SaveSecret implements vault.SecretStore. domain.Secret's own json tags
// map directly onto the "secrets" table's columns.
func (g *Gateway) SaveSecret(s *domain.Secret) error {
	var result []domain.Secret
	_, err := g.client.From("secrets").
		Upsert(s, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save secret %q: %w", s.ID, err)
	}
	return nil
}

// LoadSecret implements vault.SecretStore.
func (g *Gateway) LoadSecret(id string) (*domain.Secret, error) {
	var secrets []domain.Secret
	_, err := g.client.From("secrets").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&secrets)
	if err != nil {
		return nil, fmt.Errorf("storage: load secret %q: %w", id, err)
	}
	if len(secrets) == 0 {
		return nil, nil
	}
	return &secrets[0], nil
}

// ListSecrets implements vault.SecretStore.
func (g *Gateway) ListSecrets() ([]*domain.Secret, error) {
	var secrets []domain.Secret
	_, err := g.client.From("secrets").
		Select("*", "", false).
		Order("created_at", nil).
		ExecuteTo(&secrets)
	if err != nil {
		return nil, fmt.Errorf("storage: list secrets: %w", err)
	}
	out := make([]*domain.Secret, len(secrets))
	for i := range secrets {
		out[i] = &secrets[i]
	}
	return out, nil
}

// DeleteSecret implements vault.SecretStore.
func (g *Gateway) DeleteSecret(id string) error {
	var result []domain.Secret
	_, err := g.client.From("secrets").
		Delete("", "").
		Eq("id", id).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: delete secret %q: %w", id, err)
	}
	return nil
}

// DeleteAllSecrets implements vault.SecretStore — used by vault re-init,
// which invalidates every existing ciphertext along with the master key.
func (g *Gateway) DeleteAllSecrets() error {
	var result []domain.Secret
	_, err := g.client.From("secrets").
		Delete("", "").
		Neq("id", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: delete all secrets: %w", err)
	}
	return nil
}
