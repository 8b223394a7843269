package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ocx/flowengine/internal/lifecycle"
)

// fakeServerStream is a minimal grpc.ServerStream good enough to drive
// Notifier.WatchDeployments without a real network connection.
type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
	out chan *lifecycle.Event
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func (s *fakeServerStream) SendMsg(m interface{}) error {
	s.out <- m.(*lifecycle.Event)
	return nil
}

func newFakeStream(ctx context.Context) (*fakeServerStream, chan *lifecycle.Event) {
	out := make(chan *lifecycle.Event, 8)
	return &fakeServerStream{ctx: ctx, out: out}, out
}

func TestNotifierPublishDeliversToMatchingFilter(t *testing.T) {
	n := lifecycle.NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, out := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() {
		done <- n.WatchDeployments(&lifecycle.WatchRequest{FlowID: "flow-1"}, &lifecycleWatchStream{stream})
	}()

	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	n.Publish(&lifecycle.Event{VersionID: "v1", FlowID: "flow-2", Status: "deployed"})
	n.Publish(&lifecycle.Event{VersionID: "v2", FlowID: "flow-1", Status: "deployed"})

	select {
	case evt := <-out:
		assert.Equal(t, "v2", evt.VersionID)
	case <-time.After(time.Second):
		t.Fatal("expected matching event was never delivered")
	}

	select {
	case evt := <-out:
		t.Fatalf("unexpected event delivered for other flow: %+v", evt)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WatchDeployments did not return after context cancellation")
	}
	assert.Equal(t, 0, n.SubscriberCount())
}

func TestNotifierPublishBroadcastsUnfiltered(t *testing.T) {
	n := lifecycle.NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, out := newFakeStream(ctx)
	go func() { _ = n.WatchDeployments(&lifecycle.WatchRequest{}, &lifecycleWatchStream{stream}) }()
	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	n.Publish(&lifecycle.Event{VersionID: "v3", FlowID: "any-flow", Status: "approved"})

	select {
	case evt := <-out:
		assert.Equal(t, "v3", evt.VersionID)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast event was never delivered")
	}
}

func TestNotifierPublishDropsOnFullSubscriberChannel(t *testing.T) {
	n := lifecycle.NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe without ever draining the stream so its buffer fills.
	stream, _ := newFakeStream(ctx)
	go func() { _ = n.WatchDeployments(&lifecycle.WatchRequest{FlowID: "flow-x"}, &lifecycleWatchStream{stream}) }()
	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	// Publish should never block even once the buffered channel fills up.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			n.Publish(&lifecycle.Event{VersionID: "flood", FlowID: "flow-x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

// lifecycleWatchStream adapts fakeServerStream (bare grpc.ServerStream) to
// LifecycleService_WatchDeploymentsServer, mirroring the wrapper
// protoc-gen-go-grpc would generate.
type lifecycleWatchStream struct {
	grpc.ServerStream
}

func (x *lifecycleWatchStream) Send(e *lifecycle.Event) error {
	return x.ServerStream.SendMsg(e)
}
