// Package queue implements a unified enqueue/subscribe/ack/nack contract
// over in-memory, AMQP, and Kafka backends.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned by backends with a polling Consume shape when no
// message is currently available.
var ErrNoMessage = errors.New("queue: no message available")

// Message is one unit of work moving through the Queue Abstraction.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Handler processes one delivered message. Returning an error causes Nack;
// returning nil causes Ack.
type Handler func(ctx context.Context, msg Message) error

// Queue is the unified contract every backend (memory/AMQP/Kafka) implements.
type Queue interface {
	// Enqueue publishes payload onto topic, returning at-least-once.
	Enqueue(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic; delivery is at-least-once and
	// handler's return value drives ack/nack. Subscribe blocks until ctx is
	// canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Ping verifies connectivity to the underlying backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the backend.
	Close() error
}

// BackendConfig records the active and previous queue backend selection,
// gating switches on a single-row config so a bad cutover can roll back.
type BackendConfig struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
}
