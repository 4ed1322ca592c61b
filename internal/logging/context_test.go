package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", Stage(ctx))
	assert.Equal(t, "", AgentID(ctx))

	ctx = WithInstanceID(ctx, "inst-123")
	ctx = WithStage(ctx, "assess-risk")
	ctx = WithAgentID(ctx, "D1")

	assert.Equal(t, "inst-123", InstanceID(ctx))
	assert.Equal(t, "assess-risk", Stage(ctx))
	assert.Equal(t, "D1", AgentID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "inst-abc", "finalize", "agent-7")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "instance_id=inst-abc")
	assert.Contains(t, output, "stage=finalize")
	assert.Contains(t, output, "agent_id=agent-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithInstanceID(context.Background(), "inst-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "instance_id=inst-only")
	assert.NotContains(t, output, "stage=")
	assert.NotContains(t, output, "agent_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "inst-auto", "request-approval", "agent-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"inst-auto"`)
	assert.Contains(t, output, `"stage":"request-approval"`)
	assert.Contains(t, output, `"agent_id":"agent-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "instance_id")
	assert.NotContains(t, output, `"stage"`)
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}).WithGroup("exec"))

	ctx := WithInstanceID(context.Background(), "inst-attr")
	logger.InfoContext(ctx, "with attrs", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "inst-attr")
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")

	logger.Info("dropped")
	logger.WarnContext(WithStage(context.Background(), "gather-signals"), "kept")

	output := buf.String()
	assert.NotContains(t, output, "dropped")
	assert.Contains(t, output, `"stage":"gather-signals"`)
}

func TestNewLeveledLogger_RuntimeLevel(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewLeveledLogger(&buf, level, "text")

	logger.Info("before")
	level.Set(slog.LevelDebug)
	logger.Debug("after")

	output := buf.String()
	assert.NotContains(t, output, "before")
	assert.Contains(t, output, "after")
}
