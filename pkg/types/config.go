// Package types provides configuration types for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SizingRule selects how entry quantities are computed from available cash.
type SizingRule string

const (
	// SizingEqualSlot splits available cash equally across the remaining
	// free slots.
	SizingEqualSlot SizingRule = "equal_slot"
)

// SearchMethod selects the parameter search algorithm.
type SearchMethod string

const (
	MethodExhaustiveGrid SearchMethod = "exhaustive_grid"
	MethodRandomSample   SearchMethod = "random_sample"
)

// ResampleMethod selects the Monte Carlo resampling scheme.
type ResampleMethod string

const (
	// MethodTradeBootstrap samples closed trades with replacement,
	// preserving the trade count.
	MethodTradeBootstrap ResampleMethod = "trade_bootstrap"
	// MethodBlockBootstrap resamples contiguous blocks of equity-curve
	// returns, preserving short-range autocorrelation.
	MethodBlockBootstrap ResampleMethod = "block_bootstrap"
)

// RunConfig fully determines one simulation's outcome given identical input
// data. Money fields are decimals; there is no wall-clock or ambient-random
// input anywhere in the pipeline.
type RunConfig struct {
	Instruments []string  `json:"instruments"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`

	InitialCapital      decimal.Decimal `json:"initialCapital"`
	MaxSlots            int             `json:"maxSlots"`
	Sizing              SizingRule      `json:"sizing"`
	MinPositionNotional decimal.Decimal `json:"minPositionNotional"`

	CommissionRate decimal.Decimal `json:"commissionRate"`
	SlippageRate   decimal.Decimal `json:"slippageRate"`

	RiskFreeRate   float64 `json:"riskFreeRate"`
	PeriodsPerYear int     `json:"periodsPerYear"`

	Strategy string             `json:"strategy"`
	Params   map[string]float64 `json:"params,omitempty"`
}

// Validate checks the config before any simulation starts. Violations are
// ConfigErrors and fatal to the whole run or search.
func (c *RunConfig) Validate() error {
	if c.MaxSlots <= 0 {
		return &ConfigError{Field: "maxSlots", Reason: "must be positive"}
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return &ConfigError{Field: "initialCapital", Reason: "must be positive"}
	}
	if c.CommissionRate.IsNegative() {
		return &ConfigError{Field: "commissionRate", Reason: "must not be negative"}
	}
	if c.SlippageRate.IsNegative() {
		return &ConfigError{Field: "slippageRate", Reason: "must not be negative"}
	}
	if c.MinPositionNotional.IsNegative() {
		return &ConfigError{Field: "minPositionNotional", Reason: "must not be negative"}
	}
	if c.PeriodsPerYear <= 0 {
		return &ConfigError{Field: "periodsPerYear", Reason: "must be positive"}
	}
	if c.Sizing == "" {
		c.Sizing = SizingEqualSlot
	}
	if c.Sizing != SizingEqualSlot {
		return &ConfigError{Field: "sizing", Reason: "unknown sizing rule: " + string(c.Sizing)}
	}
	if !c.EndDate.IsZero() && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return &ConfigError{Field: "endDate", Reason: "before startDate"}
	}
	return nil
}

// Clone returns a deep copy safe to mutate per unit of work.
func (c *RunConfig) Clone() *RunConfig {
	cp := *c
	cp.Instruments = append([]string(nil), c.Instruments...)
	if c.Params != nil {
		cp.Params = make(map[string]float64, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// ParamRange is one dimension of the optimization search space. Values are
// enumerated in declared order.
type ParamRange struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ParamSpace is the full search space. Grid enumeration nests over the
// ranges sorted by name, so the combination order is fixed regardless of
// declaration order.
type ParamSpace []ParamRange

// SearchOptions configures one optimization search.
type SearchOptions struct {
	Method    SearchMethod `json:"method"`
	Samples   int          `json:"samples"` // random sample draws
	Seed      int64        `json:"seed"`
	Objective string       `json:"objective"` // metric name, default "sharpe"
}

// Evaluation is the outcome of one parameter combination: either a metrics
// snapshot or a recorded failure, never both.
type Evaluation struct {
	ID      string             `json:"id"`
	Params  map[string]float64 `json:"params"`
	Metrics *Metrics           `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// SearchResult is the ranked outcome of one optimization search. Failed
// combinations are kept in an explicit list and contribute nothing to the
// ranking.
type SearchResult struct {
	ID        string       `json:"id"`
	Method    SearchMethod `json:"method"`
	Objective string       `json:"objective"`
	Seed      int64        `json:"seed,omitempty"`
	Ranked    []Evaluation `json:"ranked"`
	Failures  []Evaluation `json:"failures,omitempty"`
	Evaluated int          `json:"evaluated"`
	Duration  time.Duration `json:"duration"`
}

// ResampleOptions configures one Monte Carlo run.
type ResampleOptions struct {
	Method          ResampleMethod `json:"method"`
	Simulations     int            `json:"simulations"`
	Seed            int64          `json:"seed"`
	BlockLength     int            `json:"blockLength,omitempty"`     // block bootstrap only
	ConfidenceLevel float64        `json:"confidenceLevel,omitempty"` // default 0.95
	RuinThreshold   float64        `json:"ruinThreshold,omitempty"`   // fraction of initial equity, default 0.5
}

// Distribution is the empirical distribution of one metric across
// simulations, with percentile confidence bounds.
type Distribution struct {
	Samples []float64 `json:"samples"` // ascending
	Mean    Stat      `json:"mean"`
	Median  Stat      `json:"median"`
	CILower Stat      `json:"ciLower"`
	CIUpper Stat      `json:"ciUpper"`
}

// ResampleResult is the outcome of one Monte Carlo run: full empirical
// distributions, not just point estimates.
type ResampleResult struct {
	Method          ResampleMethod           `json:"method"`
	Simulations     int                      `json:"simulations"`
	Seed            int64                    `json:"seed"`
	ConfidenceLevel float64                  `json:"confidenceLevel"`
	Distributions   map[string]*Distribution `json:"distributions"`
	RuinProbability Stat                     `json:"ruinProbability"`
	// Truncated marks a run cancelled mid-batch; Simulations then counts
	// only the paths that actually completed.
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ServerConfig configures the reporting HTTP server.
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	WebSocketPath string        `json:"websocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
}
