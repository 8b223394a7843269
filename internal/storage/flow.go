package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// flowGraph is the nodes/edges portion of a Flow, stored as a single JSONB
// column rather than normalized into per-node rows — the graph is always
// read and written as a unit, never queried node-by-node.
type flowGraph struct {
	Nodes map[string]domain.Node `json:"nodes"`
	Edges []domain.Edge          `json:"edges"`
}

// flowRow is the "flows" table's row shape.
type flowRow struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Name         string          `json:"name"`
	VersionMajor int             `json:"version_major"`
	VersionMinor int             `json:"version_minor"`
	VersionPatch int             `json:"version_patch"`
	Enabled      bool            `json:"enabled"`
	Graph        json.RawMessage `json:"graph"`
	Tags         []string        `json:"tags,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (r flowRow) toDomain() (*domain.Flow, error) {
	var g flowGraph
	if err := json.Unmarshal(r.Graph, &g); err != nil {
		return nil, fmt.Errorf("storage: unmarshal flow graph %q: %w", r.ID, err)
	}
	return &domain.Flow{
		ID:        r.ID,
		OrgID:     r.OrgID,
		Name:      r.Name,
		Version:   domain.Version{Major: r.VersionMajor, Minor: r.VersionMinor, Patch: r.VersionPatch},
		Enabled:   r.Enabled,
		Nodes:     g.Nodes,
		Edges:     g.Edges,
		Tags:      r.Tags,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func fromDomainFlow(f *domain.Flow) (flowRow, error) {
	graph, err := json.Marshal(flowGraph{Nodes: f.Nodes, Edges: f.Edges})
	if err != nil {
		return flowRow{}, fmt.Errorf("storage: marshal flow graph %q: %w", f.ID, err)
	}
	return flowRow{
		ID: f.ID, OrgID: f.OrgID, Name: f.Name,
		VersionMajor: f.Version.Major, VersionMinor: f.Version.Minor, VersionPatch: f.Version.Patch,
		Enabled: f.Enabled, Graph: graph, Tags: f.Tags, Metadata: f.Metadata,
		CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt,
	}, nil
}

// GetFlow implements orchestrator.FlowStore.
func (g *Gateway) GetFlow(ctx context.Context, flowID string) (*domain.Flow, error) {
	var rows []flowRow
	_, err := g.client.From("flows").
		Select("*", "", false).
		Eq("id", flowID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get flow %q: %w", flowID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("storage: flow %q not found", flowID)
	}
	return rows[0].toDomain()
}

// SaveFlow inserts or updates a flow's full node/edge graph, and
// re-indexes its webhook trigger nodes into the webhook_routes table so
// the Ingress Dispatcher can resolve a slug without scanning every flow.
func (g *Gateway) SaveFlow(ctx context.Context, flow *domain.Flow) error {
	row, err := fromDomainFlow(flow)
	if err != nil {
		return err
	}
	var result []flowRow
	_, err = g.client.From("flows").
		Upsert(row, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save flow %q: %w", flow.ID, err)
	}
	return g.reindexWebhookRoutes(flow)
}

type webhookTriggerConfig struct {
	Slug string `json:"slug"`
}

type webhookRouteRow struct {
	Slug   string `json:"slug"`
	FlowID string `json:"flow_id"`
	NodeID string `json:"node_id"`
}

// reindexWebhookRoutes upserts one webhook_routes row per
// trigger.webhook node carrying a slug in the flow just saved.
func (g *Gateway) reindexWebhookRoutes(flow *domain.Flow) error {
	for _, n := range flow.Nodes {
		if n.Type != domain.NodeTypeWebhookTrigger {
			continue
		}
		var cfg webhookTriggerConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil || cfg.Slug == "" {
			continue
		}
		row := webhookRouteRow{Slug: cfg.Slug, FlowID: flow.ID, NodeID: n.ID}
		var result []webhookRouteRow
		if _, err := g.client.From("webhook_routes").
			Upsert(row, "slug", "", "").
			ExecuteTo(&result); err != nil {
			return fmt.Errorf("storage: index webhook route %q: %w", cfg.Slug, err)
		}
	}
	return nil
}

// ResolveWebhookRoute implements ingress.FlowResolver.
func (g *Gateway) ResolveWebhookRoute(ctx context.Context, slug string) (flowID, nodeID string, err error) {
	var rows []webhookRouteRow
	_, err = g.client.From("webhook_routes").
		Select("*", "", false).
		Eq("slug", slug).
		ExecuteTo(&rows)
	if err != nil {
		return "", "", fmt.Errorf("storage: resolve webhook route %q: %w", slug, err)
	}
	if len(rows) == 0 {
		return "", "", fmt.Errorf("storage: no flow registered for webhook slug %q", slug)
	}
	return rows[0].FlowID, rows[0].NodeID, nil
}

// ListFlowsForOrg lists every flow belonging to orgID, for ingress
// listing and the scheduler's startup scan.
func (g *Gateway) ListFlowsForOrg(ctx context.Context, orgID string) ([]*domain.Flow, error) {
	var rows []flowRow
	_, err := g.client.From("flows").
		Select("*", "", false).
		Eq("org_id", orgID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list flows for org %q: %w", orgID, err)
	}
	flows := make([]*domain.Flow, 0, len(rows))
	for _, r := range rows {
		f, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// flowRunRow is the "flow_runs" table's row shape. The run's full detail
// (node executions, I/O payloads) lives in the RunData JSONB column;
// the sibling columns exist for filtering/sorting without unmarshaling it.
type flowRunRow struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flow_id"`
	Status      string          `json:"status"`
	TriggeredBy string          `json:"triggered_by"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RunData     json.RawMessage `json:"run_data"`
}

func toRunRow(run *domain.FlowRun) (flowRunRow, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return flowRunRow{}, fmt.Errorf("storage: marshal flow run %q: %w", run.ID, err)
	}
	return flowRunRow{
		ID: run.ID, FlowID: run.FlowID, Status: string(run.Status), TriggeredBy: string(run.TriggeredBy),
		StartedAt: run.StartedAt, CompletedAt: run.CompletedAt, RunData: data,
	}, nil
}

// SaveFlowRun implements orchestrator.RunRecorder, upserting the run's
// full state keyed by run id.
func (g *Gateway) SaveFlowRun(ctx context.Context, run *domain.FlowRun) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	var result []flowRunRow
	_, err = g.client.From("flow_runs").
		Upsert(row, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save flow run %q: %w", run.ID, err)
	}
	return nil
}

// GetFlowRun loads a single run by id.
func (g *Gateway) GetFlowRun(ctx context.Context, runID string) (*domain.FlowRun, error) {
	var rows []flowRunRow
	_, err := g.client.From("flow_runs").
		Select("*", "", false).
		Eq("id", runID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get flow run %q: %w", runID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("storage: flow run %q not found", runID)
	}
	var run domain.FlowRun
	if err := json.Unmarshal(rows[0].RunData, &run); err != nil {
		return nil, fmt.Errorf("storage: unmarshal flow run %q: %w", runID, err)
	}
	return &run, nil
}

// ListFlowRuns lists the most recent runs for a flow, newest first,
// bounded by limit — the flow-run history view behind the ingress API.
func (g *Gateway) ListFlowRuns(ctx context.Context, flowID string, limit int) ([]*domain.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []flowRunRow
	_, err := g.client.From("flow_runs").
		Select("*", "", false).
		Eq("flow_id", flowID).
		Order("started_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list flow runs for %q: %w", flowID, err)
	}
	runs := make([]*domain.FlowRun, 0, len(rows))
	for _, r := range rows {
		var run domain.FlowRun
		if err := json.Unmarshal(r.RunData, &run); err != nil {
			return nil, fmt.Errorf("storage: unmarshal flow run %q: %w", r.ID, err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
