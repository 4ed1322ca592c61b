package expressions

import (
	"context"
	"testing"

	"github.com/rendis/finflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".bitcoin.usd", map[string]any{
		"bitcoin": map[string]any{"usd": 64000.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 64000.5, out)
}

func TestGoJQ_Variables(t *testing.T) {
	e := NewGoJQEngine()
	body := map[string]any{
		"ethereum": map[string]any{"usd": 3100.0},
		"bitcoin":  map[string]any{"usd": 64000.0},
	}

	out, err := e.Query(context.Background(), ".[$id].usd", body, map[string]any{"id": "ethereum"})
	require.NoError(t, err)
	assert.Equal(t, 3100.0, out)

	out, err = e.Query(context.Background(), ".[$id]", body, map[string]any{"id": "dogecoin"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	input := map[string]any{"articles": []any{
		map[string]any{"title": "a"},
		map[string]any{"title": "b"},
	}}

	out, err := e.Evaluate(context.Background(), ".articles[].title", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	all, err := e.QueryAll(context.Background(), ".articles[0].title", input, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, all)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[", map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_UndefinedVariable(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Query(context.Background(), "$nope", map[string]any{}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
