package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	stageKey
	agentIDKey
)

// WithInstanceID returns a context with the pipeline instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStage returns a context with the stage name set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// WithAgentID returns a context with the agent ID set.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// Stage extracts the stage name from the context, or "" if absent.
func Stage(ctx context.Context) string {
	v, _ := ctx.Value(stageKey).(string)
	return v
}

// AgentID extracts the agent ID from the context, or "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, instanceID, stage, agentID string) context.Context {
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithStage(ctx, stage)
	ctx = WithAgentID(ctx, agentID)
	return ctx
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := InstanceID(ctx); id != "" {
		logger = logger.With(slog.String("instance_id", id))
	}
	if s := Stage(ctx); s != "" {
		logger = logger.With(slog.String("stage", s))
	}
	if aID := AgentID(ctx); aID != "" {
		logger = logger.With(slog.String("agent_id", aID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation values from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and the values appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := Stage(ctx); v != "" {
		r.AddAttrs(slog.String("stage", v))
	}
	if v := AgentID(ctx); v != "" {
		r.AddAttrs(slog.String("agent_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to an slog level. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a correlation-aware logger writing text or JSON to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	return NewLeveledLogger(w, ParseLevel(level), format)
}

// NewLeveledLogger is NewLogger with a caller-owned level, such as a
// *slog.LevelVar that is changed at runtime.
func NewLeveledLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
