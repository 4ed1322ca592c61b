package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/finflow/internal/investment"
	"github.com/rendis/finflow/internal/providers"
	"github.com/rendis/finflow/internal/scheduler"
)

// Config holds all finflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// DBURL selects the store: "postgres://..." uses PostgreSQL, anything
	// else ("file:..." or a path) uses libSQL.
	DBURL     string `json:"db_url"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	PoolSize  int    `json:"pool_size"`

	// MaxSuspension is a Go duration ("72h"); empty or "0" disables expiry.
	MaxSuspension string `json:"max_suspension"`
	SweepSchedule string `json:"sweep_schedule"`

	MarketDataURL string  `json:"market_data_url"`
	MarketDataKey string  `json:"market_data_key"`
	NewsURL       string  `json:"news_url"`
	NewsKey       string  `json:"news_key"`
	ProviderRPS   float64 `json:"provider_rps"`

	// SignalSeed fixes the simulated signals; zero seeds from the clock.
	SignalSeed        uint64  `json:"signal_seed"`
	ApprovalThreshold float64 `json:"approval_threshold"`
	DirectorThreshold float64 `json:"director_threshold"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBURL:             "file:" + filepath.Join(finflowDir(), "finflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          4,
		SweepSchedule:     scheduler.DefaultSchedule,
		MarketDataURL:     providers.DefaultMarketDataURL,
		NewsURL:           providers.DefaultNewsURL,
		ProviderRPS:       5,
		ApprovalThreshold: investment.DefaultApprovalThreshold,
		DirectorThreshold: investment.DefaultDirectorThreshold,
	}
}

func finflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finflow"
	}
	return filepath.Join(home, ".finflow")
}

func settingsPath() string {
	if v := os.Getenv("FINFLOW_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(finflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	// Layer 3: env vars override.
	for key, dst := range map[string]*string{
		"FINFLOW_LISTEN_ADDR":     &cfg.ListenAddr,
		"FINFLOW_DB_URL":          &cfg.DBURL,
		"FINFLOW_LOG_LEVEL":       &cfg.LogLevel,
		"FINFLOW_LOG_FORMAT":      &cfg.LogFormat,
		"FINFLOW_MAX_SUSPENSION":  &cfg.MaxSuspension,
		"FINFLOW_SWEEP_SCHEDULE":  &cfg.SweepSchedule,
		"FINFLOW_MARKET_DATA_URL": &cfg.MarketDataURL,
		"FINFLOW_MARKET_DATA_KEY": &cfg.MarketDataKey,
		"FINFLOW_NEWS_URL":        &cfg.NewsURL,
		"FINFLOW_NEWS_KEY":        &cfg.NewsKey,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("FINFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FINFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("FINFLOW_SIGNAL_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FINFLOW_SIGNAL_SEED: %w", err)
		}
		cfg.SignalSeed = n
	}
	for key, dst := range map[string]*float64{
		"FINFLOW_PROVIDER_RPS":       &cfg.ProviderRPS,
		"FINFLOW_APPROVAL_THRESHOLD": &cfg.ApprovalThreshold,
		"FINFLOW_DIRECTOR_THRESHOLD": &cfg.DirectorThreshold,
	} {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DBURL == "" {
		return errors.New("db_url is required")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := c.maxSuspension(); err != nil {
		return err
	}
	if c.ApprovalThreshold < 0 || c.DirectorThreshold < 0 {
		return errors.New("approval thresholds must not be negative")
	}
	return nil
}

func (c Config) maxSuspension() (time.Duration, error) {
	if c.MaxSuspension == "" || c.MaxSuspension == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.MaxSuspension)
	if err != nil {
		return 0, fmt.Errorf("max_suspension: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("max_suspension must not be negative, got %s", d)
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	for _, f := range []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_url", old.DBURL != new.DBURL},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"max_suspension", old.MaxSuspension != new.MaxSuspension},
		{"sweep_schedule", old.SweepSchedule != new.SweepSchedule},
		{"market_data_url", old.MarketDataURL != new.MarketDataURL || old.MarketDataKey != new.MarketDataKey},
		{"news_url", old.NewsURL != new.NewsURL || old.NewsKey != new.NewsKey},
		{"provider_rps", old.ProviderRPS != new.ProviderRPS},
		{"signal_seed", old.SignalSeed != new.SignalSeed},
		{"approval_threshold", old.ApprovalThreshold != new.ApprovalThreshold || old.DirectorThreshold != new.DirectorThreshold},
	} {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
