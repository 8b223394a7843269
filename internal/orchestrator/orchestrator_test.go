package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/events"
	"github.com/ocx/flowengine/internal/executor"
	"github.com/ocx/flowengine/internal/metrics"
	"github.com/ocx/flowengine/internal/orchestrator"
)

type fakeFlowStore struct{ flow *domain.Flow }

func (f *fakeFlowStore) GetFlow(ctx context.Context, flowID string) (*domain.Flow, error) {
	if f.flow == nil || f.flow.ID != flowID {
		return nil, errors.New("flow not found")
	}
	return f.flow, nil
}

func passthrough(label string) executor.Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{Output: input, RouteLabel: label}, nil
	}
}

func recordingNode(calls *[]string) executor.Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		*calls = append(*calls, node.ID)
		return executor.Result{Output: input, NoPropagate: true}, nil
	}
}

func newFlow(id string, nodes map[string]domain.Node, edges []domain.Edge) *domain.Flow {
	return &domain.Flow{ID: id, OrgID: "org-1", Name: "test", Enabled: true, Nodes: nodes, Edges: edges}
}

func TestExecuteLinearFlowCompletes(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{Output: input, NoPropagate: true}, nil
	})

	flow := newFlow("flow-1", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "log"}})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-1", FlowID: "flow-1", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{"a":1}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"trig", "log"}, run.ExecutedNodes)
	assert.JSONEq(t, `{"a":1}`, string(run.OutputData))
}

func TestExecuteConditionalRoutesOnlyMatchingEdge(t *testing.T) {
	var calls []string
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeConditional, executor.Conditional)
	reg.Register(domain.NodeTypeEgressLog, recordingNode(&calls))

	flow := newFlow("flow-2", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"cond": {ID: "cond", Type: domain.NodeTypeConditional, Config: json.RawMessage(`{"predicate":"status == \"ok\""}`)},
		"good": {ID: "good", Type: domain.NodeTypeEgressLog},
		"bad":  {ID: "bad", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{
		{Source: "trig", Target: "cond"},
		{Source: "cond", Target: "good", Label: "Success"},
		{Source: "cond", Target: "bad", Label: "Failure"},
	})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-2", FlowID: "flow-2", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{"status":"ok"}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"good"}, calls)
}

func TestExecuteParallelFanOutRunsEveryEdge(t *testing.T) {
	var calls []string
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, recordingNode(&calls))

	flow := newFlow("flow-3", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"a":    {ID: "a", Type: domain.NodeTypeEgressLog},
		"b":    {ID: "b", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{
		{Source: "trig", Target: "a"},
		{Source: "trig", Target: "b"},
	})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-3", FlowID: "flow-3", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, calls)
}

func TestExecuteRetriesRetryableFailureThenSucceeds(t *testing.T) {
	attempts := 0
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeHTTPDestination, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		attempts++
		if attempts < 3 {
			return executor.Result{}, executor.Classify(domain.ErrorKindConnection, errors.New("503"))
		}
		return executor.Result{Output: input, NoPropagate: true}, nil
	})

	flow := newFlow("flow-4", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"dest": {ID: "dest", Type: domain.NodeTypeHTTPDestination},
	}, []domain.Edge{{Source: "trig", Target: "dest"}})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	start := time.Now()
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-4", FlowID: "flow-4", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, attempts)

	var destExecs int
	for _, ne := range run.NodeExecutions {
		if ne.NodeID == "dest" {
			destExecs++
		}
	}
	assert.Equal(t, 3, destExecs)
}

func TestExecuteExhaustsRetriesThenFallsBackToFailureEdge(t *testing.T) {
	reg := executor.NewRegistry()
	var fallbackCalls []string
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeHTTPDestination, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{}, executor.Classify(domain.ErrorKindConnection, errors.New("503"))
	})
	reg.Register(domain.NodeTypeEgressLog, recordingNode(&fallbackCalls))

	flow := newFlow("flow-5", map[string]domain.Node{
		"trig":     {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"dest":     {ID: "dest", Type: domain.NodeTypeHTTPDestination, Config: json.RawMessage(`{"retry_max_attempts":2}`)},
		"fallback": {ID: "fallback", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{
		{Source: "trig", Target: "dest"},
		{Source: "dest", Target: "fallback", Label: "Failure"},
	})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-5", FlowID: "flow-5", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"fallback"}, fallbackCalls)

	var destExecs int
	for _, ne := range run.NodeExecutions {
		if ne.NodeID == "dest" {
			destExecs++
		}
	}
	assert.Equal(t, 2, destExecs)
}

func TestExecuteFailsRunWhenNoFailureEdge(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeHTTPDestination, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{}, executor.Classify(domain.ErrorKindValidation, errors.New("bad payload"))
	})

	flow := newFlow("flow-6", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"dest": {ID: "dest", Type: domain.NodeTypeHTTPDestination},
	}, []domain.Edge{{Source: "trig", Target: "dest"}})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-6", FlowID: "flow-6", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "dest", run.ErrorNode)

	var destExecs int
	for _, ne := range run.NodeExecutions {
		if ne.NodeID == "dest" {
			destExecs++
		}
	}
	assert.Equal(t, 1, destExecs, "non-retryable kind must not consume the retry budget")
}

func TestExecuteJoinPendingParksRunAwaitingJoinWithoutFailingOrCompletingIt(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeJoin, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{Pending: true}, nil
	})

	flow := newFlow("flow-7", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"join": {ID: "join", Type: domain.NodeTypeJoin},
	}, []domain.Edge{{Source: "trig", Target: "join"}})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-7", FlowID: "flow-7", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAwaitingJoin, run.Status)
	assert.Nil(t, run.CompletedAt)
}

func TestExecuteEmulationModeSkipsEventPublication(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))

	flow := newFlow("flow-8", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
	}, nil)

	published := false
	o := orchestrator.New(orchestrator.Deps{
		Flows:    &fakeFlowStore{flow: flow},
		Registry: reg,
		Queue:    enqueueFunc(func(ctx context.Context, topic string, payload []byte) error { published = true; return nil }),
	})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-8", FlowID: "flow-8", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual, EmulationMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.False(t, published)
}

type enqueueFunc func(ctx context.Context, topic string, payload []byte) error

func (f enqueueFunc) Enqueue(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

func TestExecutePublishesRunLifecycleEvents(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{Output: input, NoPropagate: true}, nil
	})

	flow := newFlow("flow-9", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "log"}})

	bus := events.NewEventBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg, Events: bus})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-9", FlowID: "flow-9", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	var types []string
	for len(sub) > 0 {
		evt := <-sub
		types = append(types, evt.Type)
		assert.Equal(t, "run-9", evt.Subject)
		assert.Equal(t, "org-1", evt.OrgID)
	}
	assert.Contains(t, types, "flow.run.started")
	assert.Contains(t, types, "flow.node.completed")
	assert.Contains(t, types, "flow.run.completed")
}

func TestExecutePublishesRunFailedEvent(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{}, executor.Classify(domain.ErrorKindValidation, errors.New("boom"))
	})

	flow := newFlow("flow-10", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "log"}})

	bus := events.NewEventBus()
	sub := bus.Subscribe("flow.run.failed")
	defer bus.Unsubscribe(sub)

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg, Events: bus})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-10", FlowID: "flow-10", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	evt := <-sub
	assert.Equal(t, "flow.run.failed", evt.Type)
	assert.Equal(t, "log", evt.Data["node_id"])
}

func TestExecuteNodeTimeoutAbortsSlowExecutor(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeHTTPDestination, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, executor.Classify(domain.ErrorKindConnection, ctx.Err())
	})

	flow := newFlow("flow-13", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"dest": {ID: "dest", Type: domain.NodeTypeHTTPDestination, Config: json.RawMessage(`{"timeout_seconds":1,"retry_max_attempts":1}`)},
	}, []domain.Edge{{Source: "trig", Target: "dest"}})

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-13", FlowID: "flow-13", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "dest", run.ErrorNode)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{Output: input, NoPropagate: true}, nil
	})

	flow := newFlow("flow-11", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "log"}})

	m := metrics.New(prometheus.NewRegistry())
	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg, Metrics: m})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-11", FlowID: "flow-11", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("flow-11", string(domain.RunStatusCompleted))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration.WithLabelValues("flow-11").(prometheus.Histogram)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.NodeDuration.WithLabelValues(string(domain.NodeTypeEgressLog)).(prometheus.Histogram)))
}

func TestExecuteRecordsMetricsOnFailure(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeManualTrigger, passthrough(""))
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		return executor.Result{}, executor.Classify(domain.ErrorKindValidation, errors.New("boom"))
	})

	flow := newFlow("flow-12", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "log"}})

	m := metrics.New(prometheus.NewRegistry())
	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Registry: reg, Metrics: m})
	run, err := o.Execute(context.Background(), orchestrator.Seed{
		RunID: "run-12", FlowID: "flow-12", TriggerNodeID: "trig",
		Payload: json.RawMessage(`{}`), TriggeredBy: domain.TriggeredByManual,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("flow-12", string(domain.RunStatusFailed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NodeFailures.WithLabelValues(string(domain.NodeTypeEgressLog), string(domain.ErrorKindValidation))))
}

type fakeRunRecorder struct{ runs map[string]*domain.FlowRun }

func newFakeRunRecorder(runs ...*domain.FlowRun) *fakeRunRecorder {
	r := &fakeRunRecorder{runs: make(map[string]*domain.FlowRun)}
	for _, run := range runs {
		r.runs[run.ID] = run
	}
	return r
}

func (r *fakeRunRecorder) SaveFlowRun(ctx context.Context, run *domain.FlowRun) error {
	r.runs[run.ID] = run
	return nil
}

func (r *fakeRunRecorder) GetFlowRun(ctx context.Context, runID string) (*domain.FlowRun, error) {
	run, ok := r.runs[runID]
	if !ok {
		return nil, errors.New("run not found")
	}
	return run, nil
}

func TestResumeJoinFailsRunParkedUnderInnerStrategy(t *testing.T) {
	flow := newFlow("flow-14", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"join": {ID: "join", Type: domain.NodeTypeJoin},
	}, []domain.Edge{{Source: "trig", Target: "join"}})

	run := &domain.FlowRun{ID: "run-14", FlowID: "flow-14", Status: domain.RunStatusAwaitingJoin, StartedAt: time.Now()}
	runs := newFakeRunRecorder(run)

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Runs: runs, Registry: executor.NewRegistry()})
	err := o.ResumeJoin(context.Background(), &domain.JoinState{
		FlowID: "flow-14", NodeID: "join", CorrelationValue: "v1", RunID: "run-14",
		Strategy: domain.JoinStrategyInner, Status: domain.JoinStatusTimeout,
	})
	require.NoError(t, err)

	got, err := runs.GetFlowRun(context.Background(), "run-14")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "join", got.ErrorNode)
}

func TestResumeJoinResumesRunWithPartialPayloadUnderLeftStrategy(t *testing.T) {
	var downstreamInput json.RawMessage
	reg := executor.NewRegistry()
	reg.Register(domain.NodeTypeEgressLog, func(ctx context.Context, node domain.Node, input json.RawMessage, ec executor.ExecContext) (executor.Result, error) {
		downstreamInput = input
		return executor.Result{Output: input, NoPropagate: true}, nil
	})

	flow := newFlow("flow-15", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"join": {ID: "join", Type: domain.NodeTypeJoin},
		"log":  {ID: "log", Type: domain.NodeTypeEgressLog},
	}, []domain.Edge{{Source: "trig", Target: "join"}, {Source: "join", Target: "log"}})

	run := &domain.FlowRun{ID: "run-15", FlowID: "flow-15", Status: domain.RunStatusAwaitingJoin, StartedAt: time.Now()}
	runs := newFakeRunRecorder(run)

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Runs: runs, Registry: reg})
	err := o.ResumeJoin(context.Background(), &domain.JoinState{
		FlowID: "flow-15", NodeID: "join", CorrelationValue: "v1", RunID: "run-15",
		Strategy: domain.JoinStrategyLeft, Status: domain.JoinStatusTimeout,
		StreamA: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)

	got, err := runs.GetFlowRun(context.Background(), "run-15")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.NotNil(t, downstreamInput)
}

func TestResumeJoinIsNoOpWhenRunAlreadyResolved(t *testing.T) {
	flow := newFlow("flow-16", map[string]domain.Node{
		"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger},
		"join": {ID: "join", Type: domain.NodeTypeJoin},
	}, []domain.Edge{{Source: "trig", Target: "join"}})

	run := &domain.FlowRun{ID: "run-16", FlowID: "flow-16", Status: domain.RunStatusCompleted, StartedAt: time.Now()}
	runs := newFakeRunRecorder(run)

	o := orchestrator.New(orchestrator.Deps{Flows: &fakeFlowStore{flow: flow}, Runs: runs, Registry: executor.NewRegistry()})
	err := o.ResumeJoin(context.Background(), &domain.JoinState{
		FlowID: "flow-16", NodeID: "join", CorrelationValue: "v1", RunID: "run-16",
		Strategy: domain.JoinStrategyInner, Status: domain.JoinStatusTimeout,
	})
	require.NoError(t, err)

	got, err := runs.GetFlowRun(context.Background(), "run-16")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
}
