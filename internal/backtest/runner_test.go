package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/pkg/types"
)

func risingCollection(t *testing.T, n int) *series.Collection {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		price := decimal.NewFromInt(int64(100 + 2*i))
		bars[i] = types.Bar{
			Instrument: "AAA",
			Timestamp:  start.AddDate(0, 0, i),
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
			Volume:     decimal.NewFromInt(1000),
		}
	}
	ser, err := series.New("AAA", bars)
	require.NoError(t, err)
	coll, err := series.NewCollection(ser)
	require.NoError(t, err)
	return coll
}

func TestRunnerFullPipeline(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	coll := risingCollection(t, 10)

	cfg := &types.RunConfig{
		Instruments:    []string{"AAA"},
		InitialCapital: decimal.NewFromInt(1000),
		MaxSlots:       1,
		PeriodsPerYear: 252,
		Strategy:       "momentum",
		Params:         map[string]float64{"period": 2, "threshold": 0.01},
	}
	model, err := CostModelFor(cfg)
	require.NoError(t, err)

	result, err := runner.Run(coll, &strategy.Momentum{}, model, cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.NotEmpty(t, result.Ledger)
	assert.Len(t, result.EquityCurve, 10)
	require.NotNil(t, result.Metrics)
	assert.Greater(t, float64(result.Metrics.TotalReturn), 0.0)
	assert.False(t, result.CompletedAt.Before(result.StartedAt))
}

func TestRunnerRestrictsDateRange(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	coll := risingCollection(t, 10)

	start := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
	cfg := &types.RunConfig{
		Instruments:    []string{"AAA"},
		StartDate:      start,
		EndDate:        end,
		InitialCapital: decimal.NewFromInt(1000),
		MaxSlots:       1,
		PeriodsPerYear: 252,
		Params:         map[string]float64{"period": 2, "threshold": 0.01},
	}
	model, err := CostModelFor(cfg)
	require.NoError(t, err)

	result, err := runner.Run(coll, &strategy.Momentum{}, model, cfg)
	require.NoError(t, err)

	require.Len(t, result.EquityCurve, 5)
	assert.Equal(t, start, result.EquityCurve[0].Timestamp)
	assert.Equal(t, end, result.EquityCurve[4].Timestamp)
}

func TestRunnerUnknownInstrument(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	coll := risingCollection(t, 5)

	cfg := &types.RunConfig{
		Instruments:    []string{"ZZZ"},
		InitialCapital: decimal.NewFromInt(1000),
		MaxSlots:       1,
		PeriodsPerYear: 252,
	}
	model, err := CostModelFor(cfg)
	require.NoError(t, err)

	_, err = runner.Run(coll, &strategy.Momentum{}, model, cfg)
	var dataErr *types.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestRunnerInvalidConfig(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	coll := risingCollection(t, 5)

	cfg := &types.RunConfig{
		Instruments:    []string{"AAA"},
		InitialCapital: decimal.NewFromInt(-5),
		MaxSlots:       1,
		PeriodsPerYear: 252,
	}
	model, err := CostModelFor(cfg)
	require.NoError(t, err)

	_, err = runner.Run(coll, &strategy.Momentum{}, model, cfg)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
