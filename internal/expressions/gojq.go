package expressions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/finflow/pkg/schema"
)

// GoJQEngine evaluates jq queries. Providers use it to pull fields out of
// upstream JSON bodies. Compiled code is cached by query and variable names.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs expression with data as the input document.
// One output is returned as-is, several are returned as []any, none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data, nil)
}

// Query runs expression against an arbitrary decoded JSON input, binding
// vars as jq variables ($name). Variable names are given without the "$".
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any, vars map[string]any) (any, error) {
	results, err := e.QueryAll(ctx, expression, input, vars)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll is like Query but always returns every output.
func (e *GoJQEngine) QueryAll(ctx context.Context, expression string, input any, vars map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	code, err := e.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(names))
	for i, n := range names {
		values[i] = vars[n]
	}

	iter := code.RunWithContext(ctx, input, values...)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *GoJQEngine) getOrCompile(expression string, varNames []string) (*gojq.Code, error) {
	key := expression + "\x00" + strings.Join(varNames, ",")

	e.mu.RLock()
	if code, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[key]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	dollar := make([]string, len(varNames))
	for i, n := range varNames {
		dollar[i] = "$" + n
	}

	code, err := gojq.Compile(query,
		gojq.WithVariables(dollar),
		// No $ENV access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = code
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
