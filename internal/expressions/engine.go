package expressions

import (
	"context"

	"github.com/rendis/finflow/pkg/schema"
)

// Engine evaluates expressions against a flat data environment.
// Three implementations: Expr (policies), CEL (rules), GoJQ (JSON extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvalBool evaluates expression and requires a boolean result.
func EvalBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"%s expression %q returned %T, want bool", eng.Name(), expression, out)
	}
	return b, nil
}

// EvalString evaluates expression and requires a string result.
func EvalString(ctx context.Context, eng Engine, expression string, data map[string]any) (string, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"%s expression %q returned %T, want string", eng.Name(), expression, out)
	}
	return s, nil
}
