package queue

import "fmt"

const (
	BackendMemory = "memory"
	BackendAMQP   = "amqp"
	BackendKafka  = "kafka"
)

// Options configures backend construction. Only the fields relevant to
// the selected backend need to be set.
type Options struct {
	Backend          string
	MemoryBufferSize int
	AMQPURL          string
	KafkaBrokersCSV  string
	KafkaGroupPrefix string
}

// New constructs the Queue backend named by opts.Backend.
func New(opts Options) (Queue, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryQueue(opts.MemoryBufferSize), nil
	case BackendAMQP:
		return DialAMQP(opts.AMQPURL)
	case BackendKafka:
		return NewKafkaQueue(opts.KafkaBrokersCSV, opts.KafkaGroupPrefix), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", opts.Backend)
	}
}
