// Package config loads the application configuration from a YAML file and
// BACKTEST_-prefixed environment variables. Money-valued settings are
// parsed into decimals; a config that fails validation never reaches the
// engines.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/quantlab/backtester/pkg/types"
)

// AppConfig is everything the process needs at startup.
type AppConfig struct {
	LogLevel string
	DataDir  string
	Workers  int

	Server types.ServerConfig

	// Defaults seed each RunConfig a client submits without overriding
	// fields the client set explicitly.
	Defaults RunDefaults
}

// RunDefaults are the fallback simulation settings.
type RunDefaults struct {
	InitialCapital      decimal.Decimal
	MaxSlots            int
	MinPositionNotional decimal.Decimal
	CommissionRate      decimal.Decimal
	SlippageRate        decimal.Decimal
	RiskFreeRate        float64
	PeriodsPerYear      int
}

// Load reads the config file at path (optional; empty path uses defaults
// and environment only) and overlays BACKTEST_* environment variables.
// BACKTEST_SERVER_PORT=9000 overrides server.port, and so on.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("logLevel", "info")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("workers", 0) // 0 means one per CPU

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocketPath", "/ws")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")

	v.SetDefault("defaults.initialCapital", "100000")
	v.SetDefault("defaults.maxSlots", 5)
	v.SetDefault("defaults.minPositionNotional", "0")
	v.SetDefault("defaults.commissionRate", "0.001")
	v.SetDefault("defaults.slippageRate", "0.0005")
	v.SetDefault("defaults.riskFreeRate", 0.0)
	v.SetDefault("defaults.periodsPerYear", 252)

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{
		LogLevel: v.GetString("logLevel"),
		DataDir:  v.GetString("dataDir"),
		Workers:  v.GetInt("workers"),
		Server: types.ServerConfig{
			Host:          v.GetString("server.host"),
			Port:          v.GetInt("server.port"),
			WebSocketPath: v.GetString("server.websocketPath"),
			ReadTimeout:   v.GetDuration("server.readTimeout"),
			WriteTimeout:  v.GetDuration("server.writeTimeout"),
		},
		Defaults: RunDefaults{
			MaxSlots:       v.GetInt("defaults.maxSlots"),
			RiskFreeRate:   v.GetFloat64("defaults.riskFreeRate"),
			PeriodsPerYear: v.GetInt("defaults.periodsPerYear"),
		},
	}

	var err error
	if cfg.Defaults.InitialCapital, err = money(v, "defaults.initialCapital"); err != nil {
		return nil, err
	}
	if cfg.Defaults.MinPositionNotional, err = money(v, "defaults.minPositionNotional"); err != nil {
		return nil, err
	}
	if cfg.Defaults.CommissionRate, err = money(v, "defaults.commissionRate"); err != nil {
		return nil, err
	}
	if cfg.Defaults.SlippageRate, err = money(v, "defaults.slippageRate"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// money parses a decimal-valued key, keeping exact precision. Money
// settings are strings in the file so they never round-trip through float.
func money(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := v.GetString(key)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &types.ConfigError{Field: key, Reason: "not a decimal: " + raw}
	}
	return d, nil
}

func (c *AppConfig) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &types.ConfigError{Field: "server.port", Reason: "out of range"}
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return &types.ConfigError{Field: "server.timeouts", Reason: "must be positive"}
	}
	if c.Workers < 0 {
		return &types.ConfigError{Field: "workers", Reason: "must not be negative"}
	}
	if c.Defaults.MaxSlots <= 0 {
		return &types.ConfigError{Field: "defaults.maxSlots", Reason: "must be positive"}
	}
	if c.Defaults.PeriodsPerYear <= 0 {
		return &types.ConfigError{Field: "defaults.periodsPerYear", Reason: "must be positive"}
	}
	if c.Defaults.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return &types.ConfigError{Field: "defaults.initialCapital", Reason: "must be positive"}
	}
	return nil
}

// ApplyDefaults fills a client-submitted RunConfig's zero fields from the
// configured defaults.
func (c *AppConfig) ApplyDefaults(rc *types.RunConfig) {
	if rc.InitialCapital.IsZero() {
		rc.InitialCapital = c.Defaults.InitialCapital
	}
	if rc.MaxSlots == 0 {
		rc.MaxSlots = c.Defaults.MaxSlots
	}
	if rc.MinPositionNotional.IsZero() {
		rc.MinPositionNotional = c.Defaults.MinPositionNotional
	}
	if rc.CommissionRate.IsZero() {
		rc.CommissionRate = c.Defaults.CommissionRate
	}
	if rc.SlippageRate.IsZero() {
		rc.SlippageRate = c.Defaults.SlippageRate
	}
	if rc.RiskFreeRate == 0 {
		rc.RiskFreeRate = c.Defaults.RiskFreeRate
	}
	if rc.PeriodsPerYear == 0 {
		rc.PeriodsPerYear = c.Defaults.PeriodsPerYear
	}
	if rc.Sizing == "" {
		rc.Sizing = types.SizingEqualSlot
	}
}
