// Package optimizer drives many independent pipeline runs across a
// parameter space and ranks the outcomes. Each parameter combination is one
// unit of work executed on the worker pool; combinations share the
// read-only series and nothing else.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/backtest"
	"github.com/quantlab/backtester/internal/costmodel"
	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/internal/workers"
	"github.com/quantlab/backtester/pkg/types"
)

// DefaultObjective ranks by risk-adjusted return.
const DefaultObjective = "sharpe"

// objectives maps metric names to extractors. NaN means the metric is
// undefined for that run; undefined objectives sort behind every defined
// one.
var objectives = map[string]func(*types.Metrics) float64{
	"sharpe":        func(m *types.Metrics) float64 { return float64(m.Sharpe) },
	"sortino":       func(m *types.Metrics) float64 { return float64(m.Sortino) },
	"calmar":        func(m *types.Metrics) float64 { return float64(m.Calmar) },
	"cagr":          func(m *types.Metrics) float64 { return float64(m.CAGR) },
	"total_return":  func(m *types.Metrics) float64 { return float64(m.TotalReturn) },
	"profit_factor": func(m *types.Metrics) float64 { return float64(m.ProfitFactor) },
}

// Engine runs parameter searches.
type Engine struct {
	logger *zap.Logger
	runner *backtest.Runner
	pool   *workers.Pool
}

// New creates an optimization Engine on the given pool. The pool must be
// started by the caller, which also owns its shutdown.
func New(logger *zap.Logger, runner *backtest.Runner, pool *workers.Pool) *Engine {
	return &Engine{logger: logger, runner: runner, pool: pool}
}

// Search evaluates the parameter space and returns the entries ranked by
// the objective metric. A combination that errors becomes a recorded
// failure without aborting the rest; the search itself fails only when the
// space is invalid (before dispatch) or no combination completed.
// Cancelling the context stops dispatch; results of combinations already
// dispatched are kept.
func (e *Engine) Search(
	ctx context.Context,
	coll *series.Collection,
	factory strategy.Factory,
	space types.ParamSpace,
	model costmodel.Model,
	template *types.RunConfig,
	opts types.SearchOptions,
) (*types.SearchResult, error) {
	started := time.Now()

	if err := validateSpace(space); err != nil {
		return nil, err
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if opts.Objective == "" {
		opts.Objective = DefaultObjective
	}
	objective, ok := objectives[opts.Objective]
	if !ok {
		return nil, &types.ConfigError{Field: "objective", Reason: "unknown metric: " + opts.Objective}
	}

	var combos []map[string]float64
	switch opts.Method {
	case types.MethodExhaustiveGrid, "":
		opts.Method = types.MethodExhaustiveGrid
		combos = gridCombinations(space)
	case types.MethodRandomSample:
		if opts.Samples <= 0 {
			return nil, &types.ConfigError{Field: "samples", Reason: "must be positive for random sampling"}
		}
		combos = randomCombinations(space, opts.Samples, opts.Seed)
	default:
		return nil, &types.ConfigError{Field: "method", Reason: "unknown search method: " + string(opts.Method)}
	}

	e.logger.Info("starting parameter search",
		zap.String("method", string(opts.Method)),
		zap.String("objective", opts.Objective),
		zap.Int("combinations", len(combos)))

	// Each task owns exactly one slot of the result slice, so collection is
	// lock-free and independent of worker finish order.
	results := make([]types.Evaluation, len(combos))
	dispatchErr := e.pool.RunBatch(ctx, len(combos), func(i int) error {
		combo := combos[i]
		eval := types.Evaluation{ID: fmt.Sprintf("eval-%04d", i), Params: combo}

		cfg := template.Clone()
		cfg.Params = mergeParams(cfg.Params, combo)

		run, err := e.runner.Run(coll, factory(), model, cfg)
		if err != nil {
			eval.Error = err.Error()
		} else {
			eval.Metrics = run.Metrics
		}
		results[i] = eval
		return err
	})

	var ranked, failures []types.Evaluation
	for _, eval := range results {
		switch {
		case eval.Metrics != nil:
			ranked = append(ranked, eval)
		case eval.Error != "":
			failures = append(failures, eval)
		}
		// Slots never dispatched (cancellation) stay zero and are skipped.
	}

	if len(ranked) == 0 {
		if dispatchErr != nil && len(failures) == 0 {
			return nil, dispatchErr
		}
		return nil, fmt.Errorf("search produced no successful evaluation (%d failures)", len(failures))
	}

	rankEvaluations(ranked, objective)

	result := &types.SearchResult{
		ID:        uuid.New().String(),
		Method:    opts.Method,
		Objective: opts.Objective,
		Seed:      opts.Seed,
		Ranked:    ranked,
		Failures:  failures,
		Evaluated: len(ranked) + len(failures),
		Duration:  time.Since(started),
	}

	e.logger.Info("parameter search complete",
		zap.Int("evaluated", result.Evaluated),
		zap.Int("failures", len(failures)),
		zap.Duration("took", result.Duration))

	return result, nil
}

// validateSpace rejects an invalid space before any work is dispatched.
func validateSpace(space types.ParamSpace) error {
	if len(space) == 0 {
		return &types.ConfigError{Field: "paramSpace", Reason: "empty parameter space"}
	}
	seen := make(map[string]struct{}, len(space))
	for _, r := range space {
		if r.Name == "" {
			return &types.ConfigError{Field: "paramSpace", Reason: "unnamed parameter range"}
		}
		if len(r.Values) == 0 {
			return &types.ConfigError{Field: "paramSpace", Reason: "parameter " + r.Name + " has no values"}
		}
		if _, dup := seen[r.Name]; dup {
			return &types.ConfigError{Field: "paramSpace", Reason: "duplicate parameter " + r.Name}
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// gridCombinations enumerates the Cartesian product in a fixed nesting
// order: ranges sorted by name, values in declared order. The enumeration
// is deterministic by construction, not by accident of input order.
func gridCombinations(space types.ParamSpace) []map[string]float64 {
	ordered := append(types.ParamSpace(nil), space...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	total := 1
	for _, r := range ordered {
		total *= len(r.Values)
	}

	combos := make([]map[string]float64, 0, total)
	indices := make([]int, len(ordered))
	for {
		combo := make(map[string]float64, len(ordered))
		for i, r := range ordered {
			combo[r.Name] = r.Values[indices[i]]
		}
		combos = append(combos, combo)

		// Odometer increment, last range fastest.
		pos := len(ordered) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(ordered[pos].Values) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			return combos
		}
	}
}

// randomCombinations draws n samples from the space using an explicit seed.
func randomCombinations(space types.ParamSpace, n int, seed int64) []map[string]float64 {
	ordered := append(types.ParamSpace(nil), space...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	rng := rand.New(rand.NewSource(seed))
	combos := make([]map[string]float64, n)
	for i := 0; i < n; i++ {
		combo := make(map[string]float64, len(ordered))
		for _, r := range ordered {
			combo[r.Name] = r.Values[rng.Intn(len(r.Values))]
		}
		combos[i] = combo
	}
	return combos
}

// mergeParams overlays the combination onto the template's base params.
func mergeParams(base, combo map[string]float64) map[string]float64 {
	merged := make(map[string]float64, len(base)+len(combo))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range combo {
		merged[k] = v
	}
	return merged
}

// rankEvaluations sorts by objective descending. Ties break on smaller
// drawdown magnitude, then on the parameter values in name order so the
// ranking is total and reproducible regardless of worker finish order.
func rankEvaluations(evals []types.Evaluation, objective func(*types.Metrics) float64) {
	sort.SliceStable(evals, func(i, j int) bool {
		a, b := objective(evals[i].Metrics), objective(evals[j].Metrics)
		aDef, bDef := !math.IsNaN(a), !math.IsNaN(b)
		if aDef != bDef {
			return aDef
		}
		if aDef && a != b {
			return a > b
		}

		// MaxDrawdown <= 0; closer to zero is the better tie-break.
		addd, bdd := float64(evals[i].Metrics.MaxDrawdown), float64(evals[j].Metrics.MaxDrawdown)
		if addd != bdd && !math.IsNaN(addd) && !math.IsNaN(bdd) {
			return addd > bdd
		}

		return lessParams(evals[i].Params, evals[j].Params)
	})
}

// lessParams compares parameter sets by value in ascending name order.
func lessParams(a, b map[string]float64) bool {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if a[name] != b[name] {
			return a[name] < b[name]
		}
	}
	return false
}
