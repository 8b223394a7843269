package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// flowVersionRow is the "flow_versions" table's row shape. Like flowRow,
// the node/edge graph is a single JSONB column — a version snapshot is
// always read and written whole, never queried node-by-node.
type flowVersionRow struct {
	ID         string          `json:"id"`
	FlowID     string          `json:"flow_id"`
	Major      int             `json:"version_major"`
	Minor      int             `json:"version_minor"`
	Patch      int             `json:"version_patch"`
	Status     string          `json:"status"`
	Graph      json.RawMessage `json:"graph"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	DeployedAt *time.Time      `json:"deployed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r flowVersionRow) toDomain() (*domain.FlowVersion, error) {
	var g flowGraph
	if err := json.Unmarshal(r.Graph, &g); err != nil {
		return nil, fmt.Errorf("storage: unmarshal flow version graph %q: %w", r.ID, err)
	}
	return &domain.FlowVersion{
		ID:         r.ID,
		FlowID:     r.FlowID,
		Version:    domain.Version{Major: r.Major, Minor: r.Minor, Patch: r.Patch},
		Status:     domain.VersionStatus(r.Status),
		Nodes:      g.Nodes,
		Edges:      g.Edges,
		ApprovedBy: r.ApprovedBy,
		ApprovedAt: r.ApprovedAt,
		DeployedAt: r.DeployedAt,
		CreatedAt:  r.CreatedAt,
	}, nil
}

func fromDomainFlowVersion(fv *domain.FlowVersion) (flowVersionRow, error) {
	graph, err := json.Marshal(flowGraph{Nodes: fv.Nodes, Edges: fv.Edges})
	if err != nil {
		return flowVersionRow{}, fmt.Errorf("storage: marshal flow version graph %q: %w", fv.ID, err)
	}
	return flowVersionRow{
		ID: fv.ID, FlowID: fv.FlowID,
		Major: fv.Version.Major, Minor: fv.Version.Minor, Patch: fv.Version.Patch,
		Status: string(fv.Status), Graph: graph, ApprovedBy: fv.ApprovedBy,
		ApprovedAt: fv.ApprovedAt, DeployedAt: fv.DeployedAt, CreatedAt: fv.CreatedAt,
	}, nil
}

// SaveFlowVersion inserts a new immutable version snapshot; versions are
// never updated in place — UpdateFlowVersionStatus only touches status
// and the approved/deployed timestamp columns.
func (g *Gateway) SaveFlowVersion(ctx context.Context, fv *domain.FlowVersion) error {
	row, err := fromDomainFlowVersion(fv)
	if err != nil {
		return err
	}
	var result []flowVersionRow
	_, err = g.client.From("flow_versions").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save flow version %q: %w", fv.ID, err)
	}
	return nil
}

// ListFlowVersions lists every snapshot recorded for flowID, newest first.
func (g *Gateway) ListFlowVersions(ctx context.Context, flowID string) ([]*domain.FlowVersion, error) {
	var rows []flowVersionRow
	_, err := g.client.From("flow_versions").
		Select("*", "", false).
		Eq("flow_id", flowID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list flow versions for %q: %w", flowID, err)
	}
	out := make([]*domain.FlowVersion, 0, len(rows))
	for _, r := range rows {
		fv, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, fv)
	}
	return out, nil
}

// GetFlowVersion loads a single version snapshot by its own id.
func (g *Gateway) GetFlowVersion(ctx context.Context, versionID string) (*domain.FlowVersion, error) {
	var rows []flowVersionRow
	_, err := g.client.From("flow_versions").
		Select("*", "", false).
		Eq("id", versionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get flow version %q: %w", versionID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("storage: flow version %q not found", versionID)
	}
	return rows[0].toDomain()
}

// UpdateFlowVersionStatus transitions a version's status and stamps the
// approved/deployed timestamp columns the new status implies.
func (g *Gateway) UpdateFlowVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus, actor string, at time.Time) error {
	patch := map[string]any{"status": string(status)}
	switch status {
	case domain.VersionStatusApproved:
		patch["approved_by"] = actor
		patch["approved_at"] = at
	case domain.VersionStatusDeployed:
		patch["deployed_at"] = at
	}
	var result []flowVersionRow
	_, err := g.client.From("flow_versions").
		Update(patch, "", "").
		Eq("id", versionID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: update flow version %q status: %w", versionID, err)
	}
	return nil
}
