package ingress_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/events"
	"github.com/ocx/flowengine/internal/ingress"
)

func TestHandleRunEventsStreamsMatchingSubjectOnly(t *testing.T) {
	bus := events.NewEventBus()
	d := &ingress.Dispatcher{Events: bus}

	r := mux.NewRouter()
	d.RegisterEventRoutes(r)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/flows/runs/run-1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Emit("flow.run.started", "orchestrator", "run-other", map[string]interface{}{"run_id": "run-other"})
	bus.Emit("flow.run.completed", "orchestrator", "run-1", map[string]interface{}{"run_id": "run-1"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after context cancellation")
	}

	body := rec.Body.String()
	require.True(t, strings.Contains(body, `"subject":"run-1"`), "expected run-1 event in stream, got: %s", body)
	assert.False(t, strings.Contains(body, `"subject":"run-other"`))
}
