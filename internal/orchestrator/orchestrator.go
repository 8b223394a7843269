// Package orchestrator drives a single FlowRun to completion: it walks the
// flow graph from its trigger node, invokes the registered executor for
// each node it reaches, routes each node's output along the edges its
// Result selects, and retries retryable failures with exponential backoff
// before giving up or falling back to a Failure-labeled edge.
//
// Execution is sequential on a single run: one call to Execute owns the
// run from start to terminal state, working a FIFO queue of (node, input)
// pairs rather than recursing, so nodes run in breadth-first order and a
// flow with many chained nodes never grows the call stack.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/events"
	"github.com/ocx/flowengine/internal/executor"
	"github.com/ocx/flowengine/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	backoffBase        = time.Second
	backoffCap         = 30 * time.Second
	backoffJitter      = 0.2

	// defaultNodeTimeout bounds a single executor invocation when neither
	// the node's own config nor the registry entry overrides it — the
	// "default 30s HTTP" timeout.
	defaultNodeTimeout = 30 * time.Second
)

// FlowStore resolves a flow by id. Satisfied by the storage gateway.
type FlowStore interface {
	GetFlow(ctx context.Context, flowID string) (*domain.Flow, error)
}

// RunRecorder persists and reloads a run's state. Optional: a nil Recorder
// means the run is only tracked in memory for the duration of the Execute
// call, and a run that parks awaiting a join can never be resumed (there
// is nowhere to load it back from once Execute returns).
type RunRecorder interface {
	SaveFlowRun(ctx context.Context, run *domain.FlowRun) error
	GetFlowRun(ctx context.Context, runID string) (*domain.FlowRun, error)
}

// Deps bundles everything the orchestrator needs to resolve flows and
// wire executors; EventPublisher, TokenSource, JoinCoordinator and
// SecretSource are passed through unchanged into every node's ExecContext.
type Deps struct {
	Flows    FlowStore
	Runs     RunRecorder
	Registry *executor.Registry

	Tokens  executor.TokenSource
	Joins   executor.JoinCoordinator
	Queue   executor.EventPublisher
	Secrets executor.SecretSource

	// Events, if set, receives a CloudEvent for every run-lifecycle
	// transition (run started/completed/failed, each node's completion).
	// Nil means run-lifecycle events are simply not published — emission
	// is always best-effort and never fails a run.
	Events events.EventEmitter

	// Metrics, if set, records run and node durations and outcomes. A nil
	// *metrics.Metrics is itself a safe no-op, so this can be left zero.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Orchestrator executes FlowRuns against a fixed set of dependencies.
type Orchestrator struct {
	deps Deps
}

// New constructs an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

// Seed is the input to Execute: the run identity and trigger payload.
type Seed struct {
	RunID         string
	FlowID        string
	TraceID       string
	TriggerNodeID string
	Payload       json.RawMessage
	TriggeredBy   domain.TriggeredBy
	EmulationMode bool
}

// retryPolicy is the per-node config envelope consulted alongside each
// node's own typed config; unknown fields in a node's config JSON are
// silently ignored by this unmarshal, so the two can share the same
// config document.
type retryPolicy struct {
	MaxAttempts    int `json:"retry_max_attempts,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// readyItem is one unit of queued work: a node to execute and the input
// it should receive.
type readyItem struct {
	nodeID string
	input  json.RawMessage
}

// Execute resolves seed.FlowID, builds the reachable subgraph from
// seed.TriggerNodeID, and walks it to completion, returning the finished
// FlowRun (Status is always a terminal value: completed or failed).
func (o *Orchestrator) Execute(ctx context.Context, seed Seed) (*domain.FlowRun, error) {
	flow, err := o.deps.Flows.GetFlow(ctx, seed.FlowID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve flow %q: %w", seed.FlowID, err)
	}
	if err := flow.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid flow %q: %w", seed.FlowID, err)
	}
	if _, ok := flow.Nodes[seed.TriggerNodeID]; !ok {
		return nil, fmt.Errorf("orchestrator: trigger node %q not present in flow %q", seed.TriggerNodeID, seed.FlowID)
	}

	run := &domain.FlowRun{
		ID:            seed.RunID,
		FlowID:        flow.ID,
		FlowVersion:   flow.Version,
		TraceID:       seed.TraceID,
		Status:        domain.RunStatusRunning,
		StartedAt:     time.Now(),
		TriggeredBy:   seed.TriggeredBy,
		InputData:     seed.Payload,
		EmulationMode: seed.EmulationMode,
	}

	adjacency, inDegree := buildReachableGraph(flow, seed.TriggerNodeID)
	o.deps.Logger.Debug("orchestrator: reachable subgraph built",
		"flow_id", flow.ID, "run_id", run.ID, "node_count", len(adjacency), "in_degree_count", len(inDegree))

	o.emitRunEvent(run, "flow.run.started", flow.OrgID, nil)

	queue := []readyItem{{nodeID: seed.TriggerNodeID, input: seed.Payload}}
	o.runQueue(ctx, flow, run, adjacency, queue, seed.EmulationMode)
	return run, nil
}

// runQueue drains a ready-queue of (node, input) pairs against flow,
// mutating run to its resulting state: failed (a node errors with no
// Failure edge to fall back to), awaiting_join (the queue drains with a
// join node still pending both sides), or completed. It is the shared tail
// of both Execute's initial walk and ResumeJoin's continuation from a
// timed-out join's downstream edges.
func (o *Orchestrator) runQueue(ctx context.Context, flow *domain.Flow, run *domain.FlowRun, adjacency map[string][]domain.Edge, queue []readyItem, emulate bool) {
	var lastOutput json.RawMessage
	var pendingNode string

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		node, ok := flow.Nodes[item.nodeID]
		if !ok {
			continue
		}

		result, execErr := o.runNode(ctx, flow, run, node, item.input, emulate)
		if execErr != nil {
			if failureEdge, ok := firstEdgeWithLabel(adjacency[node.ID], "Failure"); ok {
				errPayload, _ := json.Marshal(map[string]any{
					"error":      execErr.Error(),
					"error_kind": executor.KindOf(execErr),
					"node_id":    node.ID,
				})
				queue = append(queue, readyItem{nodeID: failureEdge.Target, input: errPayload})
				continue
			}
			run.Fail(node.ID, execErr.Error())
			o.persist(ctx, run)
			o.emitRunEvent(run, "flow.run.failed", flow.OrgID, map[string]any{"node_id": node.ID, "error": execErr.Error()})
			o.deps.Metrics.ObserveRun(flow.ID, string(run.Status), time.Since(run.StartedAt))
			return
		}

		if result.Output != nil {
			lastOutput = result.Output
		}
		if result.Pending {
			pendingNode = node.ID
			continue
		}
		if result.NoPropagate {
			continue
		}
		if pendingNode == node.ID {
			pendingNode = ""
		}

		for _, next := range nextItems(adjacency[node.ID], result) {
			queue = append(queue, next)
		}
	}

	if pendingNode != "" {
		run.AwaitJoin()
		o.persist(ctx, run)
		o.emitRunEvent(run, "flow.run.awaiting_join", flow.OrgID, map[string]any{"node_id": pendingNode})
		return
	}

	run.Complete(lastOutput)
	o.persist(ctx, run)
	o.emitRunEvent(run, "flow.run.completed", flow.OrgID, nil)
	o.deps.Metrics.ObserveRun(flow.ID, string(run.Status), time.Since(run.StartedAt))
}

// ResumeJoin implements joinstore.Resumer. When the TTL sweeper times out a
// join whose RunID names a run this orchestrator parked awaiting it,
// ResumeJoin fails that run (strategy inner) or resumes it downstream of
// the join with whatever partial payload arrived (strategy left/right),
// instead of leaving it stuck in awaiting_join forever.
func (o *Orchestrator) ResumeJoin(ctx context.Context, state *domain.JoinState) error {
	if state.RunID == "" || o.deps.Runs == nil {
		return nil
	}
	run, err := o.deps.Runs.GetFlowRun(ctx, state.RunID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume join: load run %q: %w", state.RunID, err)
	}
	if run.Status != domain.RunStatusAwaitingJoin {
		// Already resolved by a direct re-invocation of the join node, or
		// already terminal for an unrelated reason; nothing to do.
		return nil
	}
	flow, err := o.deps.Flows.GetFlow(ctx, state.FlowID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume join: resolve flow %q: %w", state.FlowID, err)
	}

	now := time.Now()
	if state.Strategy == domain.JoinStrategyInner {
		errMsg := fmt.Sprintf("join: correlation %q timed out under inner strategy", state.CorrelationValue)
		run.AppendExecution(domain.NodeExecution{
			NodeID: state.NodeID, StartedAt: now, EndedAt: &now, Attempt: 1, Error: errMsg, ErrorKind: domain.ErrorKindTimeout,
		})
		run.Fail(state.NodeID, errMsg)
		o.persist(ctx, run)
		o.emitRunEvent(run, "flow.run.failed", flow.OrgID, map[string]any{"node_id": state.NodeID, "error": errMsg})
		o.deps.Metrics.ObserveRun(flow.ID, string(run.Status), time.Since(run.StartedAt))
		return nil
	}

	merged, _ := json.Marshal(state.Merged())
	run.AppendExecution(domain.NodeExecution{NodeID: state.NodeID, StartedAt: now, EndedAt: &now, Attempt: 1, Output: merged})
	run.Status = domain.RunStatusRunning

	adjacency, _ := buildReachableGraph(flow, state.NodeID)
	queue := nextItems(adjacency[state.NodeID], executor.Result{Output: merged})
	o.runQueue(ctx, flow, run, adjacency, queue, run.EmulationMode)
	return nil
}

// runNode invokes node's executor, retrying retryable failures up to its
// retry budget with jittered exponential backoff, recording one
// NodeExecution per attempt.
func (o *Orchestrator) runNode(ctx context.Context, flow *domain.Flow, run *domain.FlowRun, node domain.Node, input json.RawMessage, emulate bool) (executor.Result, error) {
	fn, ok := o.deps.Registry.Lookup(node.Type)
	if !ok {
		err := fmt.Errorf("orchestrator: no executor registered for node type %q", node.Type)
		run.AppendExecution(domain.NodeExecution{NodeID: node.ID, StartedAt: time.Now(), Attempt: 1, Error: err.Error(), ErrorKind: domain.ErrorKindSystem})
		return executor.Result{}, err
	}

	maxAttempts := nodeMaxAttempts(node)
	timeout := nodeTimeout(node)
	ec := executor.ExecContext{
		FlowID:        flow.ID,
		FlowName:      flow.Name,
		TraceID:       run.TraceID,
		RunID:         run.ID,
		EmulationMode: emulate,
		Tokens:        o.deps.Tokens,
		Joins:         o.deps.Joins,
		Queue:         o.deps.Queue,
		Secrets:       o.deps.Secrets,
		Logger:        o.deps.Logger,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := fn(attemptCtx, node, input, ec)
		cancel()
		ended := time.Now()

		if err == nil {
			run.AppendExecution(domain.NodeExecution{
				NodeID: node.ID, StartedAt: started, EndedAt: &ended, Attempt: attempt, Output: result.Output,
			})
			o.deps.Metrics.ObserveNode(string(node.Type), ended.Sub(started), "")
			o.emitNodeCompleted(ctx, flow, run, node, emulate)
			return result, nil
		}

		kind := executor.KindOf(err)
		run.AppendExecution(domain.NodeExecution{
			NodeID: node.ID, StartedAt: started, EndedAt: &ended, Attempt: attempt, Error: err.Error(), ErrorKind: kind,
		})
		o.deps.Metrics.ObserveNode(string(node.Type), ended.Sub(started), string(kind))
		lastErr = err

		if !kind.Retryable() || attempt == maxAttempts {
			break
		}

		wait := calcBackoff(attempt)
		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	return executor.Result{}, lastErr
}

// nodeMaxAttempts reads an optional retry_max_attempts override from the
// node's own config document, defaulting to defaultMaxAttempts.
func nodeMaxAttempts(node domain.Node) int {
	var rp retryPolicy
	_ = json.Unmarshal(node.Config, &rp)
	if rp.MaxAttempts > 0 {
		return rp.MaxAttempts
	}
	return defaultMaxAttempts
}

// nodeTimeout reads an optional timeout_seconds override from the node's
// own config document, defaulting to defaultNodeTimeout. Each executor
// attempt gets a fresh deadline derived from this value, so a retried
// node isn't penalized by a prior attempt's elapsed time.
func nodeTimeout(node domain.Node) time.Duration {
	var rp retryPolicy
	_ = json.Unmarshal(node.Config, &rp)
	if rp.TimeoutSeconds > 0 {
		return time.Duration(rp.TimeoutSeconds) * time.Second
	}
	return defaultNodeTimeout
}

// calcBackoff computes the delay before retry attempt n+1, doubling per
// attempt from backoffBase, capped at backoffCap, with +/-20% jitter.
func calcBackoff(attempt int) time.Duration {
	ms := float64(backoffBase.Milliseconds()) * math.Pow(2, float64(attempt-1))
	if capMs := float64(backoffCap.Milliseconds()); ms > capMs {
		ms = capMs
	}
	jitter := ms * backoffJitter * (2*rand.Float64() - 1)
	ms += jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// nextItems computes the ready-queue entries a successful, propagating
// result produces. A RouteLabel restricts propagation to the first
// matching outgoing edge in definition order; no label fans out to every
// outgoing edge.
func nextItems(edges []domain.Edge, result executor.Result) []readyItem {
	var out []readyItem
	if result.RouteLabel != "" {
		if edge, ok := firstEdgeWithLabel(edges, result.RouteLabel); ok {
			out = append(out, readyItem{nodeID: edge.Target, input: result.Output})
		}
		return out
	}
	for _, e := range edges {
		out = append(out, readyItem{nodeID: e.Target, input: result.Output})
	}
	return out
}

func firstEdgeWithLabel(edges []domain.Edge, label string) (domain.Edge, bool) {
	for _, e := range edges {
		if e.Label == label {
			return e, true
		}
	}
	return domain.Edge{}, false
}

// buildReachableGraph walks the flow from triggerID, returning an
// adjacency map (node id -> its outgoing edges, definition-order
// preserved) and an in-degree map, both restricted to nodes reachable
// from the trigger.
func buildReachableGraph(flow *domain.Flow, triggerID string) (map[string][]domain.Edge, map[string]int) {
	adjacency := make(map[string][]domain.Edge)
	inDegree := make(map[string]int)
	visited := map[string]bool{triggerID: true}
	queue := []string{triggerID}
	inDegree[triggerID] = 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		edges := flow.OutgoingEdges(id)
		adjacency[id] = edges
		for _, e := range edges {
			inDegree[e.Target]++
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return adjacency, inDegree
}

// emitNodeCompleted publishes a best-effort integration event for a
// successful node execution, both onto the work queue (for downstream
// consumers like waiting joins) and onto the run-lifecycle event bus (for
// live run monitoring). Failures to enqueue are logged, not propagated:
// event emission never fails a run.
func (o *Orchestrator) emitNodeCompleted(ctx context.Context, flow *domain.Flow, run *domain.FlowRun, node domain.Node, emulate bool) {
	if emulate {
		return
	}
	data := map[string]any{"run_id": run.ID, "flow_id": run.FlowID, "node_id": node.ID, "node_type": node.Type}

	if o.deps.Queue != nil {
		evt, _ := json.Marshal(data)
		if err := o.deps.Queue.Enqueue(ctx, "flow.node.completed", evt); err != nil {
			o.deps.Logger.Warn("orchestrator: failed to publish node-completed event", "run_id", run.ID, "node_id", node.ID, "error", err)
		}
	}

	o.emitRunEvent(run, "flow.node.completed", flow.OrgID, data)
}

// emitRunEvent publishes a CloudEvent for a run-lifecycle transition onto
// o.deps.Events, subject-scoped to the run so an SSE subscriber can filter
// by run ID. A nil Events (the default when no event bus is wired) is a
// silent no-op.
func (o *Orchestrator) emitRunEvent(run *domain.FlowRun, eventType, orgID string, data map[string]any) {
	if o.deps.Events == nil {
		return
	}
	cloudData := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		cloudData[k] = v
	}
	cloudData["run_id"] = run.ID
	cloudData["flow_id"] = run.FlowID
	cloudData["status"] = string(run.Status)
	if orgID != "" {
		cloudData["org_id"] = orgID
	}
	o.deps.Events.Emit(eventType, "orchestrator", run.ID, cloudData)
}

func (o *Orchestrator) persist(ctx context.Context, run *domain.FlowRun) {
	if o.deps.Runs == nil {
		return
	}
	if err := o.deps.Runs.SaveFlowRun(ctx, run); err != nil {
		o.deps.Logger.Error("orchestrator: failed to persist run", "run_id", run.ID, "error", err)
	}
}
