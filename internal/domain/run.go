package domain

import (
	"encoding/json"
	"time"
)

// ErrorKind is the closed taxonomy of node-execution failures.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindTransformation ErrorKind = "transformation"
	ErrorKindAuth          ErrorKind = "auth"
	ErrorKindConnection    ErrorKind = "connection"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindRateLimit     ErrorKind = "rate_limit"
	ErrorKindBusinessLogic ErrorKind = "business_logic"
	ErrorKindSystem        ErrorKind = "system"
)

// Retryable reports whether this error kind counts toward a node's retry
// budget.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindConnection, ErrorKindTimeout, ErrorKindRateLimit:
		return true
	default:
		return false
	}
}

// RunStatus is the terminal/non-terminal status of a FlowRun.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusAwaitingJoin RunStatus = "awaiting_join"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// TriggeredBy identifies what started a run.
type TriggeredBy string

const (
	TriggeredByManual    TriggeredBy = "manual"
	TriggeredBySchedule  TriggeredBy = "schedule"
	TriggeredByWebhook   TriggeredBy = "webhook"
	TriggeredByInterface TriggeredBy = "interface"
)

// NodeExecution is the per-node record accumulated into a FlowRun.
type NodeExecution struct {
	NodeID     string          `json:"node_id"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Attempt    int             `json:"attempt"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
}

// FlowRun is one execution of a Flow from trigger to terminal state.
type FlowRun struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	FlowVersion    Version         `json:"flow_version"`
	TraceID        string          `json:"trace_id"`
	Status         RunStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	TriggeredBy    TriggeredBy     `json:"triggered_by"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	OutputData     json.RawMessage `json:"output_data,omitempty"`
	ExecutedNodes  []string        `json:"executed_nodes"`
	NodeExecutions []NodeExecution `json:"node_executions"`
	Error          string          `json:"error,omitempty"`
	ErrorNode      string          `json:"error_node,omitempty"`
	EmulationMode  bool            `json:"emulation_mode"`
}

// Complete marks the run as completed with the given output.
func (r *FlowRun) Complete(output json.RawMessage) {
	now := time.Now()
	r.Status = RunStatusCompleted
	r.CompletedAt = &now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	r.OutputData = output
}

// AwaitJoin marks the run as parked on a pending join: the ready queue has
// drained with no failure, but a join node hasn't matched both sides yet,
// so the run isn't actually finished. It stays non-terminal until the join
// resolves, either by a later invocation or by the join store's sweeper.
func (r *FlowRun) AwaitJoin() {
	r.Status = RunStatusAwaitingJoin
}

// Fail marks the run as failed, attributing the failure to a single node.
func (r *FlowRun) Fail(nodeID, errMsg string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.CompletedAt = &now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	r.Error = errMsg
	r.ErrorNode = nodeID
}

// AppendExecution records a node execution, marking the node as executed
// regardless of whether it ultimately succeeded.
func (r *FlowRun) AppendExecution(exec NodeExecution) {
	r.NodeExecutions = append(r.NodeExecutions, exec)
	r.ExecutedNodes = append(r.ExecutedNodes, exec.NodeID)
}
