// Package montecarlo estimates the sampling distribution of a backtest's
// outcome by resampling its ledger or equity curve. Each simulation derives
// its own random source from the master seed and its index, so results are
// reproducible no matter how the pool schedules the work.
package montecarlo

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/workers"
	"github.com/quantlab/backtester/pkg/types"
)

const (
	// DefaultConfidenceLevel bounds the percentile confidence intervals.
	DefaultConfidenceLevel = 0.95
	// DefaultRuinThreshold is the equity fraction below which a path counts
	// as ruined.
	DefaultRuinThreshold = 0.5
	// DefaultBlockLength is the block bootstrap's block size in bars.
	DefaultBlockLength = 20

	// seedStride spreads child seeds across the 64-bit space (the golden
	// ratio multiplier used by splitmix-style generators). Wraparound is
	// intentional.
	seedStride uint64 = 0x9E3779B97F4A7C15
)

// pathStats is one resampled path's summary, written into its own slot.
type pathStats struct {
	finalEquity float64
	totalReturn float64
	maxDrawdown float64
	ruined      bool
}

// Engine runs Monte Carlo resampling on the worker pool.
type Engine struct {
	logger *zap.Logger
	pool   *workers.Pool
}

// New creates a Monte Carlo Engine on the given pool. The pool's lifecycle
// belongs to the caller.
func New(logger *zap.Logger, pool *workers.Pool) *Engine {
	return &Engine{logger: logger, pool: pool}
}

// Resample runs the configured number of simulations against a completed
// backtest and returns empirical distributions of final equity, total
// return and maximum drawdown, plus the ruin probability. The same result,
// options and seed always produce the same distributions. When ctx is
// cancelled mid-batch, the distributions cover the paths that completed and
// the result is marked truncated; an error comes back only when no path
// completed at all.
func (e *Engine) Resample(ctx context.Context, result *types.BacktestResult, opts types.ResampleOptions) (*types.ResampleResult, error) {
	started := time.Now()

	if opts.Simulations <= 0 {
		return nil, &types.ConfigError{Field: "simulations", Reason: "must be positive"}
	}
	if opts.ConfidenceLevel == 0 {
		opts.ConfidenceLevel = DefaultConfidenceLevel
	}
	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel >= 1 {
		return nil, &types.ConfigError{Field: "confidenceLevel", Reason: "must be in (0, 1)"}
	}
	if opts.RuinThreshold == 0 {
		opts.RuinThreshold = DefaultRuinThreshold
	}
	if opts.RuinThreshold < 0 || opts.RuinThreshold >= 1 {
		return nil, &types.ConfigError{Field: "ruinThreshold", Reason: "must be in [0, 1)"}
	}

	initial, _ := result.Config.InitialCapital.Float64()

	var sample func(rng *rand.Rand) pathStats
	switch opts.Method {
	case types.MethodTradeBootstrap:
		pnls := tradePnLs(result.Ledger)
		if len(pnls) == 0 {
			return nil, &types.InsufficientDataError{Metric: "trade bootstrap", Need: 1, Have: 0}
		}
		sample = func(rng *rand.Rand) pathStats {
			return resampleTrades(rng, pnls, initial, opts.RuinThreshold)
		}
	case types.MethodBlockBootstrap:
		if opts.BlockLength == 0 {
			opts.BlockLength = DefaultBlockLength
		}
		if opts.BlockLength < 1 {
			return nil, &types.ConfigError{Field: "blockLength", Reason: "must be positive"}
		}
		returns := curveReturns(result.EquityCurve)
		if len(returns) < opts.BlockLength {
			return nil, &types.InsufficientDataError{Metric: "block bootstrap", Need: opts.BlockLength, Have: len(returns)}
		}
		blockLen := opts.BlockLength
		sample = func(rng *rand.Rand) pathStats {
			return resampleBlocks(rng, returns, blockLen, initial, opts.RuinThreshold)
		}
	default:
		return nil, &types.ConfigError{Field: "method", Reason: "unknown resample method: " + string(opts.Method)}
	}

	e.logger.Info("starting monte carlo resample",
		zap.String("method", string(opts.Method)),
		zap.Int("simulations", opts.Simulations),
		zap.Int64("seed", opts.Seed))

	// Each task owns its slot and marks it done; slots never dispatched
	// (cancellation) stay unmarked and are skipped at collection.
	paths := make([]pathStats, opts.Simulations)
	done := make([]bool, opts.Simulations)
	dispatchErr := e.pool.RunBatch(ctx, opts.Simulations, func(i int) error {
		rng := rand.New(rand.NewSource(childSeed(opts.Seed, i)))
		paths[i] = sample(rng)
		done[i] = true
		return nil
	})

	finals := make([]float64, 0, opts.Simulations)
	rets := make([]float64, 0, opts.Simulations)
	dds := make([]float64, 0, opts.Simulations)
	ruins := 0
	for i, p := range paths {
		if !done[i] {
			continue
		}
		finals = append(finals, p.finalEquity)
		rets = append(rets, p.totalReturn)
		dds = append(dds, p.maxDrawdown)
		if p.ruined {
			ruins++
		}
	}
	if len(finals) == 0 {
		return nil, dispatchErr
	}

	out := &types.ResampleResult{
		Method:          opts.Method,
		Simulations:     len(finals),
		Seed:            opts.Seed,
		ConfidenceLevel: opts.ConfidenceLevel,
		Distributions: map[string]*types.Distribution{
			"finalEquity": distribution(finals, opts.ConfidenceLevel),
			"totalReturn": distribution(rets, opts.ConfidenceLevel),
			"maxDrawdown": distribution(dds, opts.ConfidenceLevel),
		},
		RuinProbability: types.Stat(float64(ruins) / float64(len(finals))),
		Truncated:       len(finals) < opts.Simulations,
		Duration:        time.Since(started),
	}

	e.logger.Info("monte carlo resample complete",
		zap.Int("simulations", out.Simulations),
		zap.Bool("truncated", out.Truncated),
		zap.Float64("ruinProbability", float64(out.RuinProbability)),
		zap.Duration("took", out.Duration))

	return out, nil
}

// childSeed derives simulation i's seed from the master seed. The stride
// keeps neighbouring children far apart in the generator's state space;
// arithmetic wraps modulo 2^64.
func childSeed(master int64, i int) int64 {
	return int64(uint64(master) + seedStride*uint64(i+1))
}

// tradePnLs extracts the net result of every closed trade.
func tradePnLs(ledger types.Ledger) []float64 {
	pnls := make([]float64, len(ledger))
	for i, t := range ledger {
		pnls[i], _ = t.NetPnL.Float64()
	}
	return pnls
}

// curveReturns converts the equity curve to per-bar simple returns.
func curveReturns(curve types.EquityCurve) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, cur/prev-1)
	}
	return returns
}

// resampleTrades draws len(pnls) trades with replacement and sequences them
// onto the initial capital. Trade order is part of the draw, so drawdown
// varies across paths even when the multiset of trades repeats.
func resampleTrades(rng *rand.Rand, pnls []float64, initial, ruinThreshold float64) pathStats {
	equity := initial
	peak := initial
	floor := initial * ruinThreshold
	stats := pathStats{maxDrawdown: 0}

	for range pnls {
		equity += pnls[rng.Intn(len(pnls))]
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := equity/peak - 1; dd < stats.maxDrawdown {
				stats.maxDrawdown = dd
			}
		}
		if equity < floor {
			stats.ruined = true
		}
	}

	stats.finalEquity = equity
	if initial != 0 {
		stats.totalReturn = equity/initial - 1
	} else {
		stats.totalReturn = math.NaN()
	}
	return stats
}

// resampleBlocks rebuilds a return path from randomly chosen contiguous
// blocks until it matches the original length, then compounds it onto the
// initial capital.
func resampleBlocks(rng *rand.Rand, returns []float64, blockLen int, initial, ruinThreshold float64) pathStats {
	equity := initial
	peak := initial
	floor := initial * ruinThreshold
	stats := pathStats{maxDrawdown: 0}

	drawn := 0
	for drawn < len(returns) {
		start := rng.Intn(len(returns) - blockLen + 1)
		for j := 0; j < blockLen && drawn < len(returns); j++ {
			equity *= 1 + returns[start+j]
			drawn++
			if equity > peak {
				peak = equity
			}
			if peak > 0 {
				if dd := equity/peak - 1; dd < stats.maxDrawdown {
					stats.maxDrawdown = dd
				}
			}
			if equity < floor {
				stats.ruined = true
			}
		}
	}

	stats.finalEquity = equity
	if initial != 0 {
		stats.totalReturn = equity/initial - 1
	} else {
		stats.totalReturn = math.NaN()
	}
	return stats
}

// distribution summarizes one metric's samples with percentile bounds at
// (1-level)/2 and 1-(1-level)/2.
func distribution(samples []float64, level float64) *types.Distribution {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	lower := (1 - level) / 2
	return &types.Distribution{
		Samples: sorted,
		Mean:    types.Stat(sum / float64(len(sorted))),
		Median:  types.Stat(quantile(sorted, 0.5)),
		CILower: types.Stat(quantile(sorted, lower)),
		CIUpper: types.Stat(quantile(sorted, 1-lower)),
	}
}

// quantile interpolates linearly between order statistics; sorted must be
// ascending and non-empty.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
