// Command finflow runs the investment approval engine as an HTTP server or
// as an MCP server on stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/finflow/internal/api"
	"github.com/rendis/finflow/internal/logging"
	"github.com/rendis/finflow/pkg/mcp"
)

const usage = `usage: finflow <command> [flags]

commands:
  serve     run the HTTP API (default)
  mcp       run the MCP server on stdio
  config    print the effective configuration
  version   print the version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "config":
		err = runConfig()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "finflow: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "listen address (overrides listen_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveledLogger(os.Stderr, level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}
	go reloadOnHangup(ctx, cfg, level, logger)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Executor: a.executor,
			Tools:    a.tools,
			Hub:      a.hub,
			Metrics:  a.metrics,
			Logger:   logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open SSE streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}

	srv := mcp.NewFinflowServer(mcp.ServerDeps{
		Executor: a.executor,
		Tools:    a.tools,
		Agents:   a.agents,
		Hub:      a.hub,
		Version:  version,
		Logger:   logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// runConfig prints the effective configuration with API keys masked.
func runConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.MarketDataKey = mask(cfg.MarketDataKey)
	cfg.NewsKey = mask(cfg.NewsKey)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func mask(secret string) string {
	if len(secret) <= 4 {
		if secret == "" {
			return ""
		}
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// reloadOnHangup re-reads the configuration on SIGHUP. The log level applies
// immediately; other changes are reported as needing a restart.
func reloadOnHangup(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := loadConfig()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			diff := diffConfigs(current, next)
			if diff.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				current.LogLevel = next.LogLevel
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if len(diff.RestartNeeded) > 0 {
				logger.Warn("config changes need a restart", "fields", diff.RestartNeeded)
			}
		}
	}
}
