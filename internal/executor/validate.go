package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ocx/flowengine/internal/domain"
)

// validateConfig is validate.schema's typed configuration.
type validateConfig struct {
	Mode     string         `json:"mode"` // "strict" | "lenient"
	Required []string       `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"` // field path -> "string"|"number"|"boolean"|"object"|"array"
}

// ValidateSchema is the executor for validate.schema. strict mode fails
// fast on the first violation; lenient mode collects every violation and
// reports them together.
func ValidateSchema(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg validateConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("validate.schema: invalid config: %w", err))
	}
	strict := cfg.Mode != "lenient"

	var doc map[string]any
	if err := json.Unmarshal(input, &doc); err != nil {
		return Result{}, Classify(domain.ErrorKindValidation, fmt.Errorf("validate.schema: input must be a JSON object: %w", err))
	}

	var violations []string
	for _, path := range cfg.Required {
		if _, ok := lookupPath(doc, path); !ok {
			violations = append(violations, fmt.Sprintf("missing required field %q", path))
			if strict {
				return Result{}, Classify(domain.ErrorKindValidation, fmt.Errorf("validate.schema: %s", violations[0]))
			}
		}
	}
	for path, wantType := range cfg.Types {
		val, ok := lookupPath(doc, path)
		if !ok {
			continue
		}
		if !matchesType(val, wantType) {
			msg := fmt.Sprintf("field %q expected type %q", path, wantType)
			violations = append(violations, msg)
			if strict {
				return Result{}, Classify(domain.ErrorKindValidation, fmt.Errorf("validate.schema: %s", msg))
			}
		}
	}

	if len(violations) > 0 {
		return Result{}, Classify(domain.ErrorKindValidation, fmt.Errorf("validate.schema: %s", strings.Join(violations, "; ")))
	}
	return Result{Output: input}, nil
}

func matchesType(val any, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
