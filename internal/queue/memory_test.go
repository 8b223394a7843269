package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/queue"
)

func TestMemoryQueueEnqueueSubscribe(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var received []string

	go func() {
		_ = q.Subscribe(ctx, "orders", func(ctx context.Context, msg queue.Message) error {
			mu.Lock()
			received = append(received, string(msg.Payload))
			mu.Unlock()
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), "orders", []byte(`{"id":1}`)))
	require.NoError(t, q.Enqueue(context.Background(), "orders", []byte(`{"id":2}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryQueueRedeliversOnNack(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	go func() {
		_ = q.Subscribe(ctx, "retry-topic", func(ctx context.Context, msg queue.Message) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return assertErr("transient failure")
			}
			close(done)
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), "retry-topic", []byte("payload")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message was never redelivered after nack")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	_, err := queue.New(queue.Options{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	q, err := queue.New(queue.Options{})
	require.NoError(t, err)
	defer q.Close()
	_, ok := q.(*queue.MemoryQueue)
	assert.True(t, ok)
}
