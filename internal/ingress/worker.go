package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/orchestrator"
	"github.com/ocx/flowengine/internal/queue"
)

// FlowExecutor is the subset of *orchestrator.Orchestrator the Worker
// drives — narrowed to a single method so tests can fake it.
type FlowExecutor interface {
	Execute(ctx context.Context, seed orchestrator.Seed) (*domain.FlowRun, error)
}

// Worker subscribes to RunTriggerTopic and drives each delivered
// TriggerSeed through the orchestrator, closing the loop between the
// Dispatcher's enqueue and flow execution.
type Worker struct {
	Queue       queue.Queue
	Orchestrator FlowExecutor
	Logger      *slog.Logger
}

// Run blocks, consuming trigger events until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	return w.Queue.Subscribe(ctx, RunTriggerTopic, w.handle)
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	var seed TriggerSeed
	if err := json.Unmarshal(msg.Payload, &seed); err != nil {
		// A malformed trigger event can never become valid on redelivery;
		// log it and ack so it doesn't wedge the topic.
		w.Logger.Error("ingress: malformed trigger event, dropping", "msg_id", msg.ID, "err", err)
		return nil
	}

	run, err := w.Orchestrator.Execute(ctx, orchestrator.Seed{
		RunID:         seed.RunID,
		FlowID:        seed.FlowID,
		TraceID:       seed.TraceID,
		TriggerNodeID: seed.TriggerNodeID,
		Payload:       seed.Payload,
		TriggeredBy:   seed.TriggeredBy,
		EmulationMode: seed.EmulationMode,
	})
	if err != nil {
		return fmt.Errorf("ingress: execute run %q: %w", seed.RunID, err)
	}
	if run.Status == domain.RunStatusFailed {
		w.Logger.Warn("ingress: run failed", "run_id", run.ID, "flow_id", run.FlowID, "error_node", run.ErrorNode, "error", run.Error)
	}
	return nil
}
