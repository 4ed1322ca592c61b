package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSettings(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	t.Setenv("FINFLOW_SETTINGS", path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	withSettings(t, "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Contains(t, cfg.DBURL, "finflow.db")
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, 10000.0, cfg.ApprovalThreshold)
	assert.Equal(t, 100000.0, cfg.DirectorThreshold)

	d, err := cfg.maxSuspension()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestLoadConfig_Layering(t *testing.T) {
	withSettings(t, `{
		"listen_addr": ":9000",
		"db_url": "file:/tmp/settings.db",
		"max_suspension": "72h",
		"approval_threshold": 25000,
		"news_key": "from-settings"
	}`)
	t.Setenv("FINFLOW_LISTEN_ADDR", ":9100")
	t.Setenv("FINFLOW_POOL_SIZE", "8")
	t.Setenv("FINFLOW_SIGNAL_SEED", "42")
	t.Setenv("FINFLOW_PROVIDER_RPS", "2.5")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr, "env beats settings")
	assert.Equal(t, "file:/tmp/settings.db", cfg.DBURL, "settings beat defaults")
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, uint64(42), cfg.SignalSeed)
	assert.Equal(t, 2.5, cfg.ProviderRPS)
	assert.Equal(t, 25000.0, cfg.ApprovalThreshold)
	assert.Equal(t, "from-settings", cfg.NewsKey)

	d, err := cfg.maxSuspension()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		env      map[string]string
	}{
		{"malformed settings", `{"listen_addr":`, nil},
		{"bad pool size", "", map[string]string{"FINFLOW_POOL_SIZE": "many"}},
		{"zero pool size", `{"pool_size": 0}`, nil},
		{"bad threshold", "", map[string]string{"FINFLOW_APPROVAL_THRESHOLD": "lots"}},
		{"negative threshold", `{"director_threshold": -1}`, nil},
		{"bad duration", "", map[string]string{"FINFLOW_MAX_SUSPENSION": "3 days"}},
		{"negative duration", `{"max_suspension": "-1h"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withSettings(t, tt.settings)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	next := old
	next.LogLevel = "debug"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next = old
	next.ListenAddr = ":1"
	next.NewsKey = "rotated"
	next.MaxSuspension = "1h"
	d = diffConfigs(old, next)
	assert.False(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "max_suspension", "news_url"}, d.RestartNeeded)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "****wxyz", mask("secret-wxyz"))
}
