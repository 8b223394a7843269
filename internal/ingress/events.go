package ingress

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/flowengine/internal/events"
)

// RunEventSource subscribes to run-lifecycle events. Satisfied by
// *events.EventBus and *events.PubSubEventBus (both embed *events.EventBus).
type RunEventSource interface {
	Subscribe(eventTypes ...string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// RegisterEventRoutes adds the live run-monitoring SSE endpoint. Only wired
// in when d.Events is set; a Dispatcher with no event source simply never
// registers this route.
func (d *Dispatcher) RegisterEventRoutes(r *mux.Router) {
	r.HandleFunc("/api/flows/runs/{id}/events", d.handleRunEvents).Methods(http.MethodGet)
}

// handleRunEvents implements GET /api/flows/runs/{id}/events: a
// Server-Sent-Events stream of every flow.run.*/flow.node.* event whose
// Subject matches the run id, from subscription time forward. Events that
// fired before the client connected are not replayed.
func (d *Dispatcher) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := d.Events.Subscribe("flow.run.started", "flow.run.completed", "flow.run.failed", "flow.node.completed")
	defer d.Events.Unsubscribe(ch)

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Subject != runID {
				continue
			}
			payload, err := evt.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
