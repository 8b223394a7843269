package queue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process bounded-channel backend — the default
// backend and the one used when no broker is configured.
type MemoryQueue struct {
	mu          sync.RWMutex
	topics      map[string]chan Message
	bufferSize  int
	subscribers map[string]bool
	logger      *log.Logger
}

// NewMemoryQueue constructs a MemoryQueue with the given per-topic buffer size.
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryQueue{
		topics:      make(map[string]chan Message),
		bufferSize:  bufferSize,
		subscribers: make(map[string]bool),
		logger:      log.New(log.Writer(), "[QUEUE-MEMORY] ", log.LstdFlags),
	}
}

func (q *MemoryQueue) topic(name string) chan Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan Message, q.bufferSize)
		q.topics[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, payload []byte) error {
	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: append([]byte(nil), payload...)}
	ch := q.topic(topic)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue: topic %q buffer full", topic)
	}
}

// Subscribe drains topic with at-least-once redelivery on handler error:
// a nacked message is requeued once at the back of the channel.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	q.subscribers[topic] = true
	q.mu.Unlock()

	ch := q.topic(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				msg.Attempt++
				q.logger.Printf("handler error on topic %q (attempt %d): %v", topic, msg.Attempt, err)
				select {
				case ch <- msg:
				default:
					q.logger.Printf("dropping message %s: requeue buffer full", msg.ID)
				}
			}
		}
	}
}

func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }
