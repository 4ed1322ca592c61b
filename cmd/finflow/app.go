package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/identity"
	"github.com/rendis/finflow/internal/investment"
	"github.com/rendis/finflow/internal/providers"
	"github.com/rendis/finflow/internal/scheduler"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/internal/tools"
	"github.com/rendis/finflow/internal/validation"
)

// app is the wired object graph shared by the serve and mcp commands.
type app struct {
	store    store.Store
	agents   *identity.Registry
	executor engine.Executor
	tools    *tools.Registry
	hub      *streaming.MemoryHub
	metrics  *engine.Metrics
	sweeper  *scheduler.Sweeper
	logger   *slog.Logger
}

// buildApp wires store → engine → providers → tools → sweeper.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	maxSuspension, err := cfg.maxSuspension()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: st, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	a.agents = identity.NewRegistry(st)
	if _, err := a.agents.EnsureSystem(ctx); err != nil {
		return nil, fmt.Errorf("register system agent: %w", err)
	}

	validator := validation.NewJSONSchemaValidator()
	policy, err := investment.NewPolicy(cfg.ApprovalThreshold, cfg.DirectorThreshold, nil)
	if err != nil {
		return nil, fmt.Errorf("approval policy: %w", err)
	}
	pipelines := engine.NewRegistry(validator)
	if err := pipelines.Register(investment.New(policy, investment.SeededSignals(cfg.SignalSeed))); err != nil {
		return nil, fmt.Errorf("register pipeline: %w", err)
	}

	a.metrics = engine.NewMetrics()
	a.hub = streaming.NewMemoryHub()
	a.metrics.ObserveHub(a.hub)
	a.executor, err = engine.NewExecutor(engine.ExecutorDeps{
		Store:     st,
		Registry:  pipelines,
		Validator: validator,
		Hub:       a.hub,
		Agents:    a.agents,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	providerMetrics := providers.NewMetrics(a.metrics.Registry())
	market, err := providers.NewMarketData(providers.Config{
		BaseURL: cfg.MarketDataURL,
		APIKey:  cfg.MarketDataKey,
		RPS:     cfg.ProviderRPS,
		Metrics: providerMetrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("market data provider: %w", err)
	}
	news, err := providers.NewNews(providers.Config{
		BaseURL: cfg.NewsURL,
		APIKey:  cfg.NewsKey,
		RPS:     cfg.ProviderRPS,
		Metrics: providerMetrics,
		Logger:  logger,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("news provider: %w", err)
	}

	a.tools = tools.NewRegistry(validator)
	if err := tools.Builtin(a.tools, market, news); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	a.sweeper, err = scheduler.NewSweeper(a.executor, scheduler.Config{
		MaxSuspension: maxSuspension,
		Schedule:      cfg.SweepSchedule,
		PoolSize:      cfg.PoolSize,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("suspension sweeper: %w", err)
	}
	a.metrics.ObservePool("sweeper", a.sweeper.Pool())

	logger.Info("finflow ready",
		slog.String("version", version),
		slog.Int("pipelines", len(pipelines.List())),
		slog.Int("tools", a.tools.Count()),
		slog.Bool("sweeper", a.sweeper.Enabled()),
	)
	ok = true
	return a, nil
}

// close stops the sweeper and closes the store.
func (a *app) close() error {
	return errors.Join(a.sweeper.Stop(), a.store.Close())
}
