package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/finflow/internal/investment"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

func TestBuildApp(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBURL = "file:" + filepath.Join(t.TempDir(), "app.db")
	cfg.MaxSuspension = "24h"
	cfg.SignalSeed = 11

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.close()) }()

	assert.Equal(t, 3, a.tools.Count())
	assert.True(t, a.sweeper.Enabled())
	require.Len(t, a.executor.Pipelines(), 1)

	agent, err := a.store.GetAgent(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, store.AgentTypeSystem, agent.Type)

	inst, err := a.executor.Start(ctx, investment.PipelineName, json.RawMessage(`{"symbol":"COIN","amount":20000}`))
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusSuspended, inst.Status)
}

func TestBuildApp_InvalidConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBURL = "file:" + filepath.Join(t.TempDir(), "app.db")
	cfg.SweepSchedule = "whenever"

	_, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
