// Package executor implements the Node Executor Registry: one pure
// function per node type, each consuming a typed input and producing a
// typed output plus routing hints for the flow orchestrator.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/flowengine/internal/circuitbreaker"
	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/joinstore"
)

// ExecContext carries everything an executor needs beyond its own node
// config and input: identity of the run it belongs to, shared subsystem
// handles, and the emulation flag that suppresses I/O and credential use.
type ExecContext struct {
	FlowID        string
	FlowName      string
	TraceID       string
	RunID         string
	EmulationMode bool

	Tokens  TokenSource
	Joins   JoinCoordinator
	Queue   EventPublisher
	Secrets SecretSource

	Logger *slog.Logger
}

// TokenSource is the subset of tokencache.Cache an executor needs.
type TokenSource interface {
	Get(ctx context.Context, adapter domain.AuthAdapter, tokenType domain.TokenType, scope string) (string, error)
}

// JoinCoordinator is the subset of joinstore.Store a join executor needs.
type JoinCoordinator interface {
	Upsert(flowID, nodeID, correlationKey, correlationValue, runID string, side joinstore.Side, payload json.RawMessage, strategy domain.JoinStrategy, ttl time.Duration) (joinstore.UpsertResult, error)
}

// EventPublisher is the subset of queue.Queue an executor needs to emit
// trigger/egress events.
type EventPublisher interface {
	Enqueue(ctx context.Context, topic string, payload []byte) error
}

// SecretSource is the subset of vault.Vault a connector executor needs to
// read credentials by System Instance reference.
type SecretSource interface {
	ReadSecret(id string) (map[string]any, *domain.Secret, error)
}

// Result is what an executor hands back to the orchestrator.
type Result struct {
	Output json.RawMessage

	// RouteLabel, when non-empty, restricts propagation to the first
	// outgoing edge, in definition order, whose Label matches it
	// (conditional routing). Empty means propagate
	// to every outgoing edge (default / parallel fan-out).
	RouteLabel string

	// Pending is true for a join executor that has not yet matched both
	// sides; the orchestrator must not propagate and must not mark this
	// node's branch complete.
	Pending bool

	// NoPropagate suppresses all outgoing propagation (terminal emitters).
	NoPropagate bool
}

// Func is the signature every registered executor implements.
type Func func(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error)

// Registry maps node type tags to executor functions. Duplicate
// registration is a fatal configuration error, caught at startup rather
// than at run time.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.NodeType]Func
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.NodeType]Func)}
}

// Register adds an executor for nodeType. It panics on duplicate
// registration: a registry misconfiguration of this kind must fail
// fatally at startup, not silently shadow a handler at run time.
func (r *Registry) Register(nodeType domain.NodeType, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[nodeType]; exists {
		panic(fmt.Sprintf("executor: duplicate registration for node type %q", nodeType))
	}
	r.executors[nodeType] = fn
}

// Lookup returns the executor registered for nodeType.
func (r *Registry) Lookup(nodeType domain.NodeType) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[nodeType]
	return fn, ok
}

// WithBreaker wraps fn so every invocation runs through cb: a tripped
// breaker short-circuits straight to a connection-kind error instead of
// reaching the downstream system, and a success/failure is recorded back
// onto cb's counts either way.
func WithBreaker(cb *circuitbreaker.CircuitBreaker, fn Func) Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
		out, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return fn(ctx, node, input, ec)
		})
		if err != nil {
			if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
				return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("%s: %w", cb.Name(), err))
			}
			return Result{}, err
		}
		return out.(Result), nil
	}
}

// NewDefaultRegistry builds a Registry with every standard executor wired
// in, ready for an orchestrator to use as-is or extend. Every connector
// node type — the ones that reach a downstream system rather than
// transform in-process data — runs behind its own circuit breaker so a
// failing integration trips independently of the rest of the registry.
func NewDefaultRegistry(httpClient HTTPDoer) *Registry {
	r := NewRegistry()
	breakers := circuitbreaker.NewConnectorBreakers()

	r.Register(domain.NodeTypeWebhookTrigger, TriggerPassthrough)
	r.Register(domain.NodeTypeSchedulerTrigger, TriggerPassthrough)
	r.Register(domain.NodeTypeManualTrigger, TriggerPassthrough)
	r.Register(domain.NodeTypePollerSFTP, TriggerPassthrough)
	r.Register(domain.NodeTypePollerBlob, TriggerPassthrough)
	r.Register(domain.NodeTypeIngressTrigger, TriggerPassthrough)

	r.Register(domain.NodeTypeParseJSON, ParseJSON)
	r.Register(domain.NodeTypeParseCSV, ParseCSV)
	r.Register(domain.NodeTypeParseXML, ParseXML)
	r.Register(domain.NodeTypeObjectMapper, ObjectMapper)

	r.Register(domain.NodeTypeValidate, ValidateSchema)

	r.Register(domain.NodeTypeConditional, Conditional)
	r.Register(domain.NodeTypeJoin, Join)

	r.Register(domain.NodeTypeHTTPSource, WithBreaker(breakers.HTTPSource, HTTPSource(httpClient)))
	r.Register(domain.NodeTypeHTTPDestination, WithBreaker(breakers.HTTPDestination, HTTPDestination(httpClient)))
	r.Register(domain.NodeTypeDB, WithBreaker(breakers.DB, DBConnector))
	r.Register(domain.NodeTypeSFTP, WithBreaker(breakers.SFTP, SFTPConnector))
	r.Register(domain.NodeTypeBlob, WithBreaker(breakers.Blob, BlobConnector))
	r.Register(domain.NodeTypeQueueProducer, WithBreaker(breakers.QueueProducer, QueueProducer))

	r.Register(domain.NodeTypeEgressLog, EgressLog)
	r.Register(domain.NodeTypeEgressEmail, EgressEmail)
	r.Register(domain.NodeTypeEgressWebhook, WithBreaker(breakers.EgressWebhook, EgressWebhook(httpClient)))

	return r
}
