package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaQueue is a backend over a Kafka cluster. Each topic gets its own
// writer (lazily created) and readers are created per Subscribe call
// using a consumer group derived from groupPrefix.
type KafkaQueue struct {
	brokers     []string
	groupPrefix string

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
	readers []*kafkago.Reader
	logger  *log.Logger
}

// NewKafkaQueue constructs a KafkaQueue against the given broker list
// (one comma-separated string) and a consumer-group name prefix.
func NewKafkaQueue(brokersCSV, groupPrefix string) *KafkaQueue {
	if groupPrefix == "" {
		groupPrefix = "flowengine"
	}
	return &KafkaQueue{
		brokers:     strings.Split(brokersCSV, ","),
		groupPrefix: groupPrefix,
		writers:     make(map[string]*kafkago.Writer),
		logger:      log.New(log.Writer(), "[QUEUE-KAFKA] ", log.LstdFlags),
	}
}

func (q *KafkaQueue) writerFor(topic string) *kafkago.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.writers[topic]
	if !ok {
		w = &kafkago.Writer{
			Addr:         kafkago.TCP(q.brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireAll,
		}
		q.writers[topic] = w
	}
	return w
}

func (q *KafkaQueue) Enqueue(ctx context.Context, topic string, payload []byte) error {
	w := q.writerFor(topic)
	return w.WriteMessages(ctx, kafkago.Message{Value: payload})
}

// Subscribe joins a consumer group on topic and commits each offset only
// after handler succeeds, giving at-least-once delivery on crash/restart.
func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: q.brokers,
		GroupID: q.groupPrefix + "-" + topic,
		Topic:   topic,
	})
	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("queue: kafka fetch on topic %q: %w", topic, err)
		}

		msg := Message{Topic: topic, Payload: append([]byte(nil), m.Value...)}
		if err := handler(ctx, msg); err != nil {
			q.logger.Printf("handler error on topic %q offset %d: %v (not committed, will redeliver)", topic, m.Offset, err)
			continue
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			q.logger.Printf("commit failed on topic %q offset %d: %v", topic, m.Offset, err)
		}
	}
}

func (q *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := kafkago.DialContext(ctx, "tcp", q.brokers[0])
	if err != nil {
		return fmt.Errorf("queue: kafka dial: %w", err)
	}
	return conn.Close()
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for _, w := range q.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range q.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
