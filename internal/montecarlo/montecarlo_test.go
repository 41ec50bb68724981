package montecarlo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/workers"
	"github.com/quantlab/backtester/pkg/types"
)

func testEngine(t *testing.T) (*Engine, *workers.Pool) {
	t.Helper()
	logger := zap.NewNop()
	pool := workers.NewPool(logger, 4, nil)
	pool.Start()
	return New(logger, pool), pool
}

func testResult() *types.BacktestResult {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pnls := []float64{120, -80, 45, 200, -150, 60, 30, -20}

	ledger := make(types.Ledger, len(pnls))
	for i, pnl := range pnls {
		ledger[i] = types.Trade{
			Instrument: "AAA",
			NetPnL:     decimal.NewFromFloat(pnl),
			ExitReason: types.ExitSignal,
		}
	}

	equities := []float64{1000, 1050, 990, 1030, 1110, 1060, 1130, 1100, 1205}
	curve := make(types.EquityCurve, len(equities))
	for i, e := range equities {
		curve[i] = types.EquityCurvePoint{
			Timestamp: start.AddDate(0, 0, i),
			Equity:    decimal.NewFromFloat(e),
		}
	}

	return &types.BacktestResult{
		Config:      &types.RunConfig{InitialCapital: decimal.NewFromInt(1000)},
		Ledger:      ledger,
		EquityCurve: curve,
	}
}

func TestResampleTradeBootstrapReproducible(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	opts := types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 1000,
		Seed:        42,
	}

	first, err := engine.Resample(context.Background(), testResult(), opts)
	require.NoError(t, err)
	second, err := engine.Resample(context.Background(), testResult(), opts)
	require.NoError(t, err)

	// Same seed, same input: identical distributions regardless of worker
	// scheduling.
	assert.Equal(t, first.Distributions["finalEquity"].Samples, second.Distributions["finalEquity"].Samples)
	assert.Equal(t, first.Distributions["totalReturn"].Samples, second.Distributions["totalReturn"].Samples)
	assert.Equal(t, first.Distributions["maxDrawdown"].Samples, second.Distributions["maxDrawdown"].Samples)
	assert.Equal(t, first.RuinProbability, second.RuinProbability)
}

func TestResampleSeedChangesOutcome(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	base := types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 1000,
		Seed:        42,
	}
	other := base
	other.Seed = 43

	first, err := engine.Resample(context.Background(), testResult(), base)
	require.NoError(t, err)
	second, err := engine.Resample(context.Background(), testResult(), other)
	require.NoError(t, err)

	assert.NotEqual(t,
		first.Distributions["finalEquity"].Samples,
		second.Distributions["finalEquity"].Samples)
}

func TestResampleDistributionShape(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	result, err := engine.Resample(context.Background(), testResult(), types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 500,
		Seed:        7,
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultConfidenceLevel, result.ConfidenceLevel)

	dist := result.Distributions["finalEquity"]
	require.NotNil(t, dist)
	require.Len(t, dist.Samples, 500)

	for i := 1; i < len(dist.Samples); i++ {
		assert.LessOrEqual(t, dist.Samples[i-1], dist.Samples[i])
	}
	assert.LessOrEqual(t, float64(dist.CILower), float64(dist.Median))
	assert.LessOrEqual(t, float64(dist.Median), float64(dist.CIUpper))
	assert.True(t, dist.Mean.IsDefined())

	ruin := float64(result.RuinProbability)
	assert.GreaterOrEqual(t, ruin, 0.0)
	assert.LessOrEqual(t, ruin, 1.0)

	for _, dd := range result.Distributions["maxDrawdown"].Samples {
		assert.LessOrEqual(t, dd, 0.0)
	}
}

func TestResampleBlockBootstrap(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	opts := types.ResampleOptions{
		Method:      types.MethodBlockBootstrap,
		Simulations: 100,
		Seed:        11,
		BlockLength: 3,
	}

	first, err := engine.Resample(context.Background(), testResult(), opts)
	require.NoError(t, err)
	second, err := engine.Resample(context.Background(), testResult(), opts)
	require.NoError(t, err)

	assert.Equal(t, first.Distributions["totalReturn"].Samples, second.Distributions["totalReturn"].Samples)
	require.Len(t, first.Distributions["finalEquity"].Samples, 100)
}

func TestResampleFullRunNotTruncated(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	result, err := engine.Resample(context.Background(), testResult(), types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 50,
		Seed:        3,
	})
	require.NoError(t, err)

	assert.False(t, result.Truncated)
	assert.Equal(t, 50, result.Simulations)
}

func TestResampleCancelledBeforeDispatch(t *testing.T) {
	logger := zap.NewNop()
	pool := workers.NewPool(logger, 1, nil)
	pool.Start()
	defer pool.Stop()
	engine := New(logger, pool)

	// Occupy the only worker so the batch cannot dispatch, then cancel. No
	// path completes, so the engine reports the cancellation instead of an
	// empty result.
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() error {
		<-release
		return nil
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Resample(ctx, testResult(), types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 20,
		Seed:        5,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
}

func TestResampleBlockLengthExceedsData(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	_, err := engine.Resample(context.Background(), testResult(), types.ResampleOptions{
		Method:      types.MethodBlockBootstrap,
		Simulations: 10,
		Seed:        1,
		BlockLength: 1000,
	})
	var insufficient *types.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
}

func TestResampleEmptyLedger(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	empty := testResult()
	empty.Ledger = nil

	_, err := engine.Resample(context.Background(), empty, types.ResampleOptions{
		Method:      types.MethodTradeBootstrap,
		Simulations: 10,
		Seed:        1,
	})
	var insufficient *types.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
}

func TestResampleOptionValidation(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	cases := []types.ResampleOptions{
		{Method: types.MethodTradeBootstrap, Simulations: 0},
		{Method: types.MethodTradeBootstrap, Simulations: 10, ConfidenceLevel: 1.5},
		{Method: types.MethodTradeBootstrap, Simulations: 10, RuinThreshold: -0.1},
		{Method: types.ResampleMethod("wild"), Simulations: 10},
	}
	for _, opts := range cases {
		_, err := engine.Resample(context.Background(), testResult(), opts)
		var cfgErr *types.ConfigError
		require.ErrorAs(t, err, &cfgErr, "opts %+v", opts)
	}
}

func TestChildSeedSpreads(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		s := childSeed(42, i)
		assert.False(t, seen[s], "seed collision at %d", i)
		seen[s] = true
	}
	// Same master, same index: same child.
	assert.Equal(t, childSeed(7, 3), childSeed(7, 3))
	assert.NotEqual(t, childSeed(7, 3), childSeed(8, 3))
}

func TestQuantileInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1, quantile(sorted, 0), 1e-12)
	assert.InDelta(t, 2.5, quantile(sorted, 0.5), 1e-12)
	assert.InDelta(t, 4, quantile(sorted, 1), 1e-12)
	assert.InDelta(t, 1.15, quantile(sorted, 0.05), 1e-12)
	assert.False(t, math.IsNaN(quantile([]float64{5}, 0.5)))
}
