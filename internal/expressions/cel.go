package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/finflow/pkg/schema"
)

// CELEngine evaluates Common Expression Language programs over a fixed set
// of dynamically typed variables. Missing variables are bound to null.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env  *cel.Env
	vars []string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine declaring each name in vars as a dyn variable.
func NewCELEngine(vars ...string) (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		vars:  append([]string(nil), vars...),
		cache: make(map[string]cel.Program),
	}, nil
}

func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or fetches) expression and evaluates it against data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, e.activation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// Compile checks an expression without running it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func (e *CELEngine) activation(data map[string]any) map[string]any {
	act := make(map[string]any, len(e.vars))
	for _, name := range e.vars {
		act[name] = data[name]
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
