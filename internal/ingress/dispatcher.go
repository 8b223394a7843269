package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/lifecycle"
	"github.com/ocx/flowengine/internal/middleware"
	"github.com/ocx/flowengine/internal/queue"
)

// FlowResolver resolves an inbound webhook slug to the flow and trigger
// node it should run, and loads a flow by id for the manual-execute route.
type FlowResolver interface {
	ResolveWebhookRoute(ctx context.Context, slug string) (flowID, nodeID string, err error)
	GetFlow(ctx context.Context, flowID string) (*domain.Flow, error)
}

// PolicyResolver finds the InboundAuthPolicy (if any) matching a route
// pattern and method, and the AuthAdapter it references.
type PolicyResolver interface {
	FindPolicy(ctx context.Context, routePattern, method string) (*domain.InboundAuthPolicy, error)
	GetAuthAdapter(ctx context.Context, adapterID string) (*domain.AuthAdapter, error)
}

// Runner starts a flow run. In the deployed topology this enqueues a
// trigger event for the worker loop to pick up; synchronous callers (the
// manual-execute route under emulation) may instead run it inline.
type Runner interface {
	Enqueue(ctx context.Context, seed TriggerSeed) error
}

// TriggerSeed is the durable, queue-transportable form of an
// orchestrator.Seed — the trigger event published onto the run-trigger
// topic and consumed by the worker loop.
type TriggerSeed struct {
	RunID         string          `json:"run_id"`
	FlowID        string          `json:"flow_id"`
	TraceID       string          `json:"trace_id"`
	TriggerNodeID string          `json:"trigger_node_id"`
	Payload       json.RawMessage `json:"payload"`
	TriggeredBy   domain.TriggeredBy `json:"triggered_by"`
	EmulationMode bool            `json:"emulation_mode"`
}

// RunTriggerTopic is the queue topic the Dispatcher publishes trigger
// events onto and the worker loop subscribes to.
const RunTriggerTopic = "flow.run.trigger"

// DeployNotifier publishes a version-lifecycle transition to anything
// subscribed to the gRPC deploy-notification stream. Satisfied by
// *lifecycle.Notifier; a nil DeployNotifier on the Dispatcher means
// transitions simply aren't announced over gRPC.
type DeployNotifier interface {
	Publish(evt *lifecycle.Event)
}

// Dispatcher is the HTTP entrypoint for webhook ingestion and manual flow
// execution, enforcing each route's InboundAuthPolicy before admitting the
// request onto the run-trigger topic.
type Dispatcher struct {
	Flows       FlowResolver
	Policies    PolicyResolver
	Validator   CredentialValidator
	Queue       queue.Queue
	Versions    VersionStore
	Events      RunEventSource
	RateLimiter *middleware.RateLimiter
	Deploys     DeployNotifier
	Logger      *slog.Logger
}

// Router builds the Dispatcher's mux.Router, mirroring the CORS-wrapped
// router shape the REST surface already uses elsewhere in this codebase.
func (d *Dispatcher) Router() *mux.Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/webhook/{slug}", d.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/flows/{id}/execute", d.handleExecute).Methods(http.MethodPost)
	if d.Versions != nil {
		d.RegisterVersionRoutes(r)
	}
	if d.Events != nil {
		d.RegisterEventRoutes(r)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforce looks up the InboundAuthPolicy for routePattern+method and, per
// its EnforcementMode, validates the request's credential. Bypass skips
// validation entirely; optional validates but admits the request whether
// the credential is missing, invalid or valid; required rejects both a
// missing credential and a validation failure.
func (d *Dispatcher) enforce(ctx context.Context, routePattern, method string, r *http.Request) error {
	if d.Policies == nil {
		return nil
	}
	policy, err := d.Policies.FindPolicy(ctx, routePattern, method)
	if err != nil {
		return fmt.Errorf("ingress: resolve auth policy for %s %s: %w", method, routePattern, err)
	}
	if policy == nil || policy.Enforcement == domain.EnforcementBypass {
		return nil
	}
	adapter, err := d.Policies.GetAuthAdapter(ctx, policy.AdapterID)
	if err != nil {
		return fmt.Errorf("ingress: resolve auth adapter %q: %w", policy.AdapterID, err)
	}
	err = d.Validator.Validate(ctx, *adapter, r)
	if err == nil {
		return nil
	}
	if policy.Enforcement == domain.EnforcementOptional {
		d.Logger.Debug("ingress: optional auth policy failed, admitting anyway", "route", routePattern, "err", err)
		return nil
	}
	return err
}

// handleWebhook implements POST /api/webhook/{slug}: ingest a webhook.
// Body is arbitrary JSON, forwarded verbatim as the run's trigger payload.
func (d *Dispatcher) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := mux.Vars(r)["slug"]

	if err := d.enforce(ctx, "/api/webhook/{slug}", http.MethodPost, r); err != nil {
		d.Logger.Warn("ingress: webhook auth rejected", "slug", slug, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flowID, nodeID, err := d.Flows.ResolveWebhookRoute(ctx, slug)
	if err != nil {
		http.Error(w, "unknown webhook", http.StatusNotFound)
		return
	}

	body, err := readJSONBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	seed := TriggerSeed{
		RunID:         uuid.NewString(),
		FlowID:        flowID,
		TraceID:       uuid.NewString(),
		TriggerNodeID: nodeID,
		Payload:       body,
		TriggeredBy:   domain.TriggeredByWebhook,
	}
	if err := d.publish(ctx, seed); err != nil {
		d.Logger.Error("ingress: publish webhook trigger failed", "slug", slug, "err", err)
		http.Error(w, "failed to accept webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// executeRequest is the body of POST /api/flows/{id}/execute.
type executeRequest struct {
	Input         json.RawMessage `json:"input,omitempty"`
	EmulationMode bool            `json:"emulationMode,omitempty"`
}

type executeResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration,omitempty"`
}

// handleExecute implements POST /api/flows/{id}/execute: a manual trigger.
func (d *Dispatcher) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := mux.Vars(r)["id"]

	if err := d.enforce(ctx, "/api/flows/{id}/execute", http.MethodPost, r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	flow, err := d.Flows.GetFlow(ctx, flowID)
	if err != nil {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	triggerID, ok := firstTriggerNode(flow)
	if !ok {
		http.Error(w, "flow has no trigger node", http.StatusUnprocessableEntity)
		return
	}

	seed := TriggerSeed{
		RunID:         uuid.NewString(),
		FlowID:        flow.ID,
		TraceID:       uuid.NewString(),
		TriggerNodeID: triggerID,
		Payload:       req.Input,
		TriggeredBy:   domain.TriggeredByManual,
		EmulationMode: req.EmulationMode,
	}
	if err := d.publish(ctx, seed); err != nil {
		d.Logger.Error("ingress: publish manual trigger failed", "flow_id", flowID, "err", err)
		http.Error(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{ExecutionID: seed.RunID, Status: string(domain.RunStatusRunning)})
}

// PublishSeed enqueues seed onto RunTriggerTopic. It's exported so the
// scheduler's cron fire callback can reuse the same dispatch path the
// HTTP handlers use, rather than duplicating the marshal-and-enqueue step.
func (d *Dispatcher) PublishSeed(ctx context.Context, seed TriggerSeed) error {
	payload, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("marshal trigger seed: %w", err)
	}
	return d.Queue.Enqueue(ctx, RunTriggerTopic, payload)
}

func (d *Dispatcher) publish(ctx context.Context, seed TriggerSeed) error {
	return d.PublishSeed(ctx, seed)
}

func firstTriggerNode(flow *domain.Flow) (string, bool) {
	for id, n := range flow.Nodes {
		if domain.TriggerNodeTypes[n.Type] {
			return id, true
		}
	}
	return "", false
}

func readJSONBody(r *http.Request) (json.RawMessage, error) {
	if r.ContentLength == 0 {
		return json.RawMessage("{}"), nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
