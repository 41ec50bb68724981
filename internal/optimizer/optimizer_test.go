package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/backtest"
	"github.com/quantlab/backtester/internal/costmodel"
	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/internal/workers"
	"github.com/quantlab/backtester/pkg/types"
)

// entryGen enters at the bar index given by the "entry" param and rides the
// position to forced liquidation, so smaller entries earn more on a rising
// series. entry values the series cannot satisfy are an error.
type entryGen struct{}

func (g *entryGen) Name() string { return "entry_at" }

func (g *entryGen) GenerateSignals(s *series.Series, params map[string]float64) ([]types.Signal, error) {
	entry := int(params["entry"])
	if entry < 0 || entry >= s.Len() {
		return nil, errors.New("entry index out of range")
	}
	return []types.Signal{{
		Instrument: s.Instrument(),
		Timestamp:  s.At(entry).Timestamp,
		Action:     types.ActionEnterLong,
	}}, nil
}

func testCollection(t *testing.T) *series.Collection {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := []float64{100, 105, 110, 115, 120, 125}
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
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

func testEngine(t *testing.T) (*Engine, *workers.Pool) {
	t.Helper()
	logger := zap.NewNop()
	pool := workers.NewPool(logger, 4, nil)
	pool.Start()
	return New(logger, backtest.NewRunner(logger), pool), pool
}

func testTemplate() *types.RunConfig {
	return &types.RunConfig{
		InitialCapital: decimal.NewFromInt(1000),
		MaxSlots:       1,
		PeriodsPerYear: 252,
	}
}

func freeModel(t *testing.T) costmodel.Model {
	t.Helper()
	m, err := costmodel.NewProportional(decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	return m
}

func factory() strategy.Factory {
	return func() strategy.Generator { return &entryGen{} }
}

func TestGridCombinationsCartesianProduct(t *testing.T) {
	space := types.ParamSpace{
		{Name: "slow", Values: []float64{10, 20, 30, 40}},
		{Name: "fast", Values: []float64{1, 2, 3}},
	}

	combos := gridCombinations(space)
	require.Len(t, combos, 12)

	seen := make(map[[2]float64]bool)
	for _, c := range combos {
		key := [2]float64{c["fast"], c["slow"]}
		assert.False(t, seen[key], "duplicate combination %v", c)
		seen[key] = true
	}

	// Ranges nest sorted by name: fast outer, slow inner.
	assert.Equal(t, map[string]float64{"fast": 1, "slow": 10}, combos[0])
	assert.Equal(t, map[string]float64{"fast": 1, "slow": 20}, combos[1])
	assert.Equal(t, map[string]float64{"fast": 2, "slow": 10}, combos[4])
}

func TestRandomCombinationsSeeded(t *testing.T) {
	space := types.ParamSpace{
		{Name: "a", Values: []float64{1, 2, 3}},
		{Name: "b", Values: []float64{10, 20}},
	}

	first := randomCombinations(space, 20, 42)
	second := randomCombinations(space, 20, 42)
	assert.Equal(t, first, second)

	other := randomCombinations(space, 20, 43)
	assert.NotEqual(t, first, other)
}

func TestSearchRanksByObjective(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	space := types.ParamSpace{{Name: "entry", Values: []float64{4, 0, 2}}}
	result, err := engine.Search(
		context.Background(),
		testCollection(t),
		factory(),
		space,
		freeModel(t),
		testTemplate(),
		types.SearchOptions{Objective: "total_return"},
	)
	require.NoError(t, err)

	require.Len(t, result.Ranked, 3)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 3, result.Evaluated)

	// Earlier entries ride more of the rising series.
	assert.Equal(t, 0.0, result.Ranked[0].Params["entry"])
	assert.Equal(t, 2.0, result.Ranked[1].Params["entry"])
	assert.Equal(t, 4.0, result.Ranked[2].Params["entry"])

	for i := 1; i < len(result.Ranked); i++ {
		assert.GreaterOrEqual(t,
			float64(result.Ranked[i-1].Metrics.TotalReturn),
			float64(result.Ranked[i].Metrics.TotalReturn))
	}
}

func TestSearchRecordsPerPointFailures(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	// entry=99 is out of range and fails; the others succeed.
	space := types.ParamSpace{{Name: "entry", Values: []float64{0, 99, 2}}}
	result, err := engine.Search(
		context.Background(),
		testCollection(t),
		factory(),
		space,
		freeModel(t),
		testTemplate(),
		types.SearchOptions{Objective: "total_return"},
	)
	require.NoError(t, err)

	assert.Len(t, result.Ranked, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 99.0, result.Failures[0].Params["entry"])
	assert.NotEmpty(t, result.Failures[0].Error)
	assert.Nil(t, result.Failures[0].Metrics)
	assert.Equal(t, 3, result.Evaluated)
}

func TestSearchFailsOnlyWhenAllFail(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	space := types.ParamSpace{{Name: "entry", Values: []float64{50, 60}}}
	_, err := engine.Search(
		context.Background(),
		testCollection(t),
		factory(),
		space,
		freeModel(t),
		testTemplate(),
		types.SearchOptions{},
	)
	require.Error(t, err)
}

func TestSearchRejectsInvalidSpace(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	cases := []types.ParamSpace{
		nil,
		{{Name: "", Values: []float64{1}}},
		{{Name: "a", Values: nil}},
		{{Name: "a", Values: []float64{1}}, {Name: "a", Values: []float64{2}}},
	}
	for _, space := range cases {
		_, err := engine.Search(
			context.Background(),
			testCollection(t),
			factory(),
			space,
			freeModel(t),
			testTemplate(),
			types.SearchOptions{},
		)
		var cfgErr *types.ConfigError
		require.ErrorAs(t, err, &cfgErr, "space %v", space)
	}
}

func TestSearchRejectsUnknownObjective(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	space := types.ParamSpace{{Name: "entry", Values: []float64{0}}}
	_, err := engine.Search(
		context.Background(),
		testCollection(t),
		factory(),
		space,
		freeModel(t),
		testTemplate(),
		types.SearchOptions{Objective: "vibes"},
	)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSearchRandomSampleReproducible(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	space := types.ParamSpace{{Name: "entry", Values: []float64{0, 1, 2, 3, 4}}}
	opts := types.SearchOptions{
		Method:    types.MethodRandomSample,
		Samples:   8,
		Seed:      1234,
		Objective: "total_return",
	}

	first, err := engine.Search(context.Background(), testCollection(t), factory(), space, freeModel(t), testTemplate(), opts)
	require.NoError(t, err)
	second, err := engine.Search(context.Background(), testCollection(t), factory(), space, freeModel(t), testTemplate(), opts)
	require.NoError(t, err)

	require.Equal(t, len(first.Ranked), len(second.Ranked))
	for i := range first.Ranked {
		assert.Equal(t, first.Ranked[i].Params, second.Ranked[i].Params)
	}
}

func TestSearchRandomSampleRequiresCount(t *testing.T) {
	engine, pool := testEngine(t)
	defer pool.Stop()

	space := types.ParamSpace{{Name: "entry", Values: []float64{0}}}
	_, err := engine.Search(
		context.Background(),
		testCollection(t),
		factory(),
		space,
		freeModel(t),
		testTemplate(),
		types.SearchOptions{Method: types.MethodRandomSample},
	)
	require.Error(t, err)
}
