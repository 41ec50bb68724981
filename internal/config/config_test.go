package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/backtester/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Defaults.InitialCapital.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, 5, cfg.Defaults.MaxSlots)
	assert.Equal(t, 252, cfg.Defaults.PeriodsPerYear)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
logLevel: debug
workers: 8
server:
  port: 9001
defaults:
  initialCapital: "250000.50"
  maxSlots: 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.True(t, cfg.Defaults.InitialCapital.Equal(decimal.NewFromFloat(250000.50)))
	assert.Equal(t, 10, cfg.Defaults.MaxSlots)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BACKTEST_SERVER_PORT", "9999")
	t.Setenv("BACKTEST_LOGLEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsBadDecimal(t *testing.T) {
	t.Setenv("BACKTEST_DEFAULTS_INITIALCAPITAL", "not-money")

	_, err := Load("")
	require.Error(t, err)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("BACKTEST_SERVER_PORT", "70000")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	rc := &types.RunConfig{
		Instruments: []string{"AAA"},
		MaxSlots:    2,
	}
	cfg.ApplyDefaults(rc)

	// Explicit fields survive; zero fields are filled in.
	assert.Equal(t, 2, rc.MaxSlots)
	assert.True(t, rc.InitialCapital.Equal(cfg.Defaults.InitialCapital))
	assert.Equal(t, 252, rc.PeriodsPerYear)
	assert.Equal(t, types.SizingEqualSlot, rc.Sizing)
	require.NoError(t, rc.Validate())
}
