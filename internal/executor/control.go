package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/joinstore"
)

// conditionalConfig is control.conditional's typed configuration: an
// expr-lang expression evaluated against the input, producing a truthy
// or falsy result that selects the "Success" or "Failure" edge label.
type conditionalConfig struct {
	Predicate string `json:"predicate"`
}

// Conditional is the executor for control.conditional.
func Conditional(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg conditionalConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("conditional: invalid config: %w", err))
	}

	var env map[string]any
	if err := json.Unmarshal(input, &env); err != nil {
		env = map[string]any{"value": json.RawMessage(input)}
	}

	program, err := expr.Compile(cfg.Predicate, expr.Env(env), expr.AsBool())
	if err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("conditional: compile predicate %q: %w", cfg.Predicate, err))
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("conditional: evaluate predicate: %w", err))
	}
	truthy, _ := out.(bool)

	label := "Failure"
	if truthy {
		label = "Success"
	}
	return Result{Output: input, RouteLabel: label}, nil
}

// joinConfig is control.join's typed configuration.
type joinConfig struct {
	CorrelationKeyPath string             `json:"correlation_key_path"`
	Side               string             `json:"side"` // "a" | "b"
	Strategy           domain.JoinStrategy `json:"strategy,omitempty"`
	TimeoutMinutes     int64              `json:"timeout_minutes,omitempty"`
}

const defaultJoinTimeoutMinutes = 1440

// Join is the executor for control.join. It upserts the correlation
// store and either reports pending (no propagation) or returns the
// merged {streamA, streamB} payload for propagation.
func Join(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg joinConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("join: invalid config: %w", err))
	}
	if ec.Joins == nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("join: no join coordinator wired into executor context"))
	}

	var doc map[string]any
	if err := json.Unmarshal(input, &doc); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("join: input must be a JSON object: %w", err))
	}
	corrVal, ok := lookupPath(doc, cfg.CorrelationKeyPath)
	if !ok {
		return Result{}, Classify(domain.ErrorKindValidation, fmt.Errorf("join: correlation key path %q not found in input", cfg.CorrelationKeyPath))
	}
	corrStr := fmt.Sprintf("%v", corrVal)

	side := joinstore.SideA
	if strings.EqualFold(cfg.Side, "b") {
		side = joinstore.SideB
	}

	timeoutMin := cfg.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = defaultJoinTimeoutMinutes
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = domain.JoinStrategyInner
	}

	outcome, err := ec.Joins.Upsert(ec.FlowID, node.ID, cfg.CorrelationKeyPath, corrStr, ec.RunID, side, input, strategy, time.Duration(timeoutMin)*time.Minute)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("join: upsert correlation state: %w", err))
	}

	switch outcome.Status {
	case domain.JoinStatusMatched:
		merged, _ := json.Marshal(outcome.State.Merged())
		return Result{Output: merged}, nil
	case domain.JoinStatusTimeout:
		if strategy == domain.JoinStrategyInner {
			return Result{}, Classify(domain.ErrorKindTimeout, fmt.Errorf("join: correlation %q timed out under inner strategy", corrStr))
		}
		merged, _ := json.Marshal(outcome.State.Merged())
		return Result{Output: merged}, nil
	default:
		return Result{Pending: true}, nil
	}
}
