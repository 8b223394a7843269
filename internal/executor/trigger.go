package executor

import (
	"context"
	"encoding/json"

	"github.com/ocx/flowengine/internal/domain"
)

// TriggerPassthrough is the executor for every trigger node type: the
// triggering event's payload already is the node's output, so the
// executor's only job is to hand it through unchanged.
func TriggerPassthrough(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	return Result{Output: input}, nil
}
