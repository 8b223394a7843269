package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/lifecycle"
)

// VersionStore is the Storage Gateway's flow-version lifecycle contract,
// consulted by the version-management routes.
type VersionStore interface {
	SaveFlow(ctx context.Context, flow *domain.Flow) error
	SaveFlowVersion(ctx context.Context, fv *domain.FlowVersion) error
	ListFlowVersions(ctx context.Context, flowID string) ([]*domain.FlowVersion, error)
	GetFlowVersion(ctx context.Context, versionID string) (*domain.FlowVersion, error)
	UpdateFlowVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus, actor string, at time.Time) error
}

// RegisterVersionRoutes adds the flow version-lifecycle and import/export
// routes onto r. Split from Router() so a Dispatcher without a
// VersionStore wired (e.g. a test exercising only webhook/execute) never
// panics on a nil dependency.
func (d *Dispatcher) RegisterVersionRoutes(r *mux.Router) {
	r.HandleFunc("/api/flows/{id}/versions", d.handleCreateVersion).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/{id}/versions", d.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/api/flows/versions/{versionId}/approve", d.handleApproveVersion).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/versions/{versionId}/deploy", d.handleDeployVersion).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/{id}/rollback", d.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/import", d.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/{id}/export", d.handleExport).Methods(http.MethodGet)
}

type createVersionRequest struct {
	Nodes map[string]domain.Node `json:"nodes"`
	Edges []domain.Edge          `json:"edges"`
}

// handleCreateVersion implements POST /api/flows/{id}/versions: records a
// new draft snapshot of a flow's graph, one patch revision ahead of its
// most recent recorded version.
func (d *Dispatcher) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := mux.Vars(r)["id"]

	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	existing, err := d.Versions.ListFlowVersions(ctx, flowID)
	if err != nil {
		http.Error(w, "failed to list existing versions", http.StatusInternalServerError)
		return
	}
	next := domain.Version{Major: 1}
	if len(existing) > 0 {
		latest := existing[len(existing)-1].Version
		next = domain.Version{Major: latest.Major, Minor: latest.Minor, Patch: latest.Patch + 1}
	}

	fv := &domain.FlowVersion{
		ID: uuid.NewString(), FlowID: flowID, Version: next,
		Status: domain.VersionStatusDraft, Nodes: req.Nodes, Edges: req.Edges,
		CreatedAt: time.Now(),
	}
	if err := d.Versions.SaveFlowVersion(ctx, fv); err != nil {
		d.Logger.Error("ingress: save flow version failed", "flow_id", flowID, "err", err)
		http.Error(w, "failed to save version", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

// handleListVersions implements GET /api/flows/{id}/versions.
func (d *Dispatcher) handleListVersions(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	versions, err := d.Versions.ListFlowVersions(r.Context(), flowID)
	if err != nil {
		http.Error(w, "failed to list versions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type approveVersionRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

// handleApproveVersion implements POST /api/flows/versions/{versionId}/approve.
func (d *Dispatcher) handleApproveVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	versionID := mux.Vars(r)["versionId"]

	var req approveVersionRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	fv, err := d.Versions.GetFlowVersion(ctx, versionID)
	if err != nil {
		http.Error(w, "version not found", http.StatusNotFound)
		return
	}
	if err := d.Versions.UpdateFlowVersionStatus(ctx, versionID, domain.VersionStatusApproved, req.ApprovedBy, time.Now()); err != nil {
		http.Error(w, "failed to approve version", http.StatusInternalServerError)
		return
	}
	d.notifyDeploy(versionID, fv.FlowID, domain.VersionStatusApproved, req.ApprovedBy)
	w.WriteHeader(http.StatusOK)
}

// handleDeployVersion implements POST /api/flows/versions/{versionId}/deploy:
// promotes an approved version's graph into its flow's live row.
func (d *Dispatcher) handleDeployVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	versionID := mux.Vars(r)["versionId"]

	fv, err := d.Versions.GetFlowVersion(ctx, versionID)
	if err != nil {
		http.Error(w, "version not found", http.StatusNotFound)
		return
	}
	if fv.Status != domain.VersionStatusApproved {
		http.Error(w, fmt.Sprintf("version %q must be approved before deploy, got %q", versionID, fv.Status), http.StatusUnprocessableEntity)
		return
	}
	if err := d.promote(ctx, fv); err != nil {
		d.Logger.Error("ingress: deploy version failed", "version_id", versionID, "err", err)
		http.Error(w, "failed to deploy version", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// promote writes fv's graph onto its owning flow and marks fv deployed.
func (d *Dispatcher) promote(ctx context.Context, fv *domain.FlowVersion) error {
	flow, err := d.Flows.GetFlow(ctx, fv.FlowID)
	if err != nil {
		return fmt.Errorf("load flow %q: %w", fv.FlowID, err)
	}
	flow.Version = fv.Version
	flow.Nodes = fv.Nodes
	flow.Edges = fv.Edges
	flow.Enabled = true
	flow.UpdatedAt = time.Now()
	if err := d.Versions.SaveFlow(ctx, flow); err != nil {
		return fmt.Errorf("save promoted flow: %w", err)
	}
	if err := d.Versions.UpdateFlowVersionStatus(ctx, fv.ID, domain.VersionStatusDeployed, "", time.Now()); err != nil {
		return err
	}
	d.notifyDeploy(fv.ID, fv.FlowID, domain.VersionStatusDeployed, "")
	return nil
}

// notifyDeploy announces a version-lifecycle transition over the gRPC
// deploy-notification stream, if one is wired. Best-effort: a nil Deploys
// or a full subscriber channel never fails the HTTP request driving it.
func (d *Dispatcher) notifyDeploy(versionID, flowID string, status domain.VersionStatus, actor string) {
	if d.Deploys == nil {
		return
	}
	d.Deploys.Publish(&lifecycle.Event{
		VersionID: versionID,
		FlowID:    flowID,
		Status:    string(status),
		Actor:     actor,
		AtUnix:    time.Now().Unix(),
	})
}

type rollbackRequest struct {
	ToVersionID string `json:"toVersionId,omitempty"`
}

// handleRollback implements POST /api/flows/{id}/rollback: redeploys
// either the named version or, if none is given, the most recent
// previously-deployed snapshot other than the current one.
func (d *Dispatcher) handleRollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := mux.Vars(r)["id"]

	var req rollbackRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var target *domain.FlowVersion
	if req.ToVersionID != "" {
		fv, err := d.Versions.GetFlowVersion(ctx, req.ToVersionID)
		if err != nil {
			http.Error(w, "version not found", http.StatusNotFound)
			return
		}
		target = fv
	} else {
		versions, err := d.Versions.ListFlowVersions(ctx, flowID)
		if err != nil {
			http.Error(w, "failed to list versions", http.StatusInternalServerError)
			return
		}
		seenCurrent := false
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Status != domain.VersionStatusDeployed {
				continue
			}
			if !seenCurrent {
				seenCurrent = true
				continue
			}
			target = versions[i]
			break
		}
		if target == nil {
			http.Error(w, "no prior deployed version to roll back to", http.StatusUnprocessableEntity)
			return
		}
	}

	if err := d.promote(ctx, target); err != nil {
		d.Logger.Error("ingress: rollback failed", "flow_id", flowID, "err", err)
		http.Error(w, "failed to roll back", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// flowDSL is the YAML/JSON document shape accepted by the import route
// and produced by export — deliberately separate from domain.Flow so the
// wire format's field names/layout can evolve independently of the
// in-process struct.
type flowDSL struct {
	ID       string                 `json:"id" yaml:"id"`
	OrgID    string                 `json:"orgId" yaml:"orgId"`
	Name     string                 `json:"name" yaml:"name"`
	Nodes    map[string]domain.Node `json:"nodes" yaml:"nodes"`
	Edges    []domain.Edge          `json:"edges" yaml:"edges"`
	Tags     []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]any         `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// handleImport implements POST /api/flows/import: accepts a flow
// definition as YAML or JSON (by Content-Type) and creates the flow plus
// an initial draft version.
func (d *Dispatcher) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var doc flowDSL

	contentType := r.Header.Get("Content-Type")
	var decodeErr error
	if contentType == "application/x-yaml" || contentType == "text/yaml" {
		decodeErr = yaml.NewDecoder(r.Body).Decode(&doc)
	} else {
		decodeErr = json.NewDecoder(r.Body).Decode(&doc)
	}
	if decodeErr != nil {
		http.Error(w, fmt.Sprintf("invalid flow document: %v", decodeErr), http.StatusBadRequest)
		return
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	flow := &domain.Flow{
		ID: doc.ID, OrgID: doc.OrgID, Name: doc.Name,
		Version: domain.Version{Major: 1}, Enabled: false,
		Nodes: doc.Nodes, Edges: doc.Edges, Tags: doc.Tags, Metadata: doc.Metadata,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := flow.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := d.Versions.SaveFlow(ctx, flow); err != nil {
		http.Error(w, "failed to save imported flow", http.StatusInternalServerError)
		return
	}
	fv := &domain.FlowVersion{
		ID: uuid.NewString(), FlowID: flow.ID, Version: flow.Version,
		Status: domain.VersionStatusDraft, Nodes: flow.Nodes, Edges: flow.Edges,
		CreatedAt: time.Now(),
	}
	if err := d.Versions.SaveFlowVersion(ctx, fv); err != nil {
		http.Error(w, "failed to save initial version", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleExport implements GET /api/flows/{id}/export?format=yaml|json.
func (d *Dispatcher) handleExport(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	flow, err := d.Flows.GetFlow(r.Context(), flowID)
	if err != nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	doc := flowDSL{
		ID: flow.ID, OrgID: flow.OrgID, Name: flow.Name,
		Nodes: flow.Nodes, Edges: flow.Edges, Tags: flow.Tags, Metadata: flow.Metadata,
	}

	format := r.URL.Query().Get("format")
	if format == "yaml" {
		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(http.StatusOK)
		_ = yaml.NewEncoder(w).Encode(doc)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
