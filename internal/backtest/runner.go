// Package backtest composes the single-run pipeline: generate signals,
// simulate the portfolio, compute metrics. One Run call is the unit of work
// the optimization and Monte Carlo engines schedule in parallel; each call
// builds its own state and shares nothing mutable with its siblings.
package backtest

import (
	"time"

	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/costmodel"
	"github.com/quantlab/backtester/internal/metrics"
	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/internal/simulator"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/pkg/types"
	"github.com/quantlab/backtester/pkg/utils"
)

// Runner wires the pipeline stages together.
type Runner struct {
	logger  *zap.Logger
	sim     *simulator.Simulator
	metrics *metrics.Engine
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		logger:  logger,
		sim:     simulator.New(logger),
		metrics: metrics.New(logger),
	}
}

// Run executes one full pipeline pass for the config. The collection is
// restricted to the config's universe and date range first; the generator
// is invoked once per instrument in ascending order.
func (r *Runner) Run(
	coll *series.Collection,
	gen strategy.Generator,
	model costmodel.Model,
	cfg *types.RunConfig,
) (*types.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()

	scoped, err := coll.Restrict(cfg.Instruments, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, err
	}

	var signals []types.Signal
	for _, name := range scoped.Instruments() {
		ser, _ := scoped.Get(name)
		generated, err := gen.GenerateSignals(ser, cfg.Params)
		if err != nil {
			return nil, err
		}
		signals = append(signals, generated...)
	}

	ledger, curve, err := r.sim.Simulate(scoped, signals, model, cfg)
	if err != nil {
		return nil, err
	}

	computed, err := r.metrics.Compute(ledger, curve, cfg.RiskFreeRate, cfg.PeriodsPerYear)
	if err != nil {
		return nil, err
	}

	completed := time.Now()
	r.logger.Debug("backtest run complete",
		zap.String("strategy", gen.Name()),
		zap.Int("signals", len(signals)),
		zap.Int("trades", len(ledger)),
		zap.Duration("took", completed.Sub(started)))

	return &types.BacktestResult{
		ID:          utils.GenerateID("run"),
		Config:      cfg,
		Ledger:      ledger,
		EquityCurve: curve,
		Metrics:     computed,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}, nil
}

// CostModelFor builds the standard proportional cost model from a config.
func CostModelFor(cfg *types.RunConfig) (costmodel.Model, error) {
	return costmodel.NewProportional(cfg.CommissionRate, cfg.SlippageRate)
}
