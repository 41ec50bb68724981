// Package metrics derives performance and significance statistics from one
// ledger and equity curve pair. Metrics that lack enough samples degrade to
// NaN (serialized as null), never to a crash; money aggregates stay decimal.
package metrics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/pkg/types"
)

// Engine computes metric snapshots. Stateless; one Engine may serve many
// concurrent runs.
type Engine struct {
	logger *zap.Logger
}

// New creates a metrics Engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Compute builds the full metric snapshot. riskFreeRate is annualized;
// periodsPerYear converts per-bar returns to annual terms (252 for daily
// equity bars, 365 for daily crypto, 12 for monthly).
func (e *Engine) Compute(
	ledger types.Ledger,
	curve types.EquityCurve,
	riskFreeRate float64,
	periodsPerYear int,
) (*types.Metrics, error) {
	if periodsPerYear <= 0 {
		return nil, &types.ConfigError{Field: "periodsPerYear", Reason: "must be positive"}
	}

	m := &types.Metrics{SignificanceTest: "z"}
	e.tradeStats(m, ledger)

	returns := periodReturns(curve)
	e.curveStats(m, curve, returns, riskFreeRate, periodsPerYear)
	e.significance(m, ledger)

	m.MonthlyReturns = bucketReturns(curve, "2006-01")
	m.YearlyReturns = bucketReturns(curve, "2006")

	return m, nil
}

// tradeStats fills the ledger-derived fields.
func (e *Engine) tradeStats(m *types.Metrics, ledger types.Ledger) {
	var totalWins, totalLosses decimal.Decimal
	var totalHolding time.Duration

	for _, trade := range ledger {
		m.NetProfit = m.NetProfit.Add(trade.NetPnL)
		m.TotalFees = m.TotalFees.Add(trade.Fees)
		totalHolding += trade.HoldingPeriod
		if trade.ExitReason == types.ExitForced {
			m.ForcedExits++
		}

		switch {
		case trade.NetPnL.GreaterThan(decimal.Zero):
			m.WinningTrades++
			totalWins = totalWins.Add(trade.NetPnL)
			if trade.NetPnL.GreaterThan(m.LargestWin) {
				m.LargestWin = trade.NetPnL
			}
		case trade.NetPnL.LessThan(decimal.Zero):
			m.LosingTrades++
			loss := trade.NetPnL.Abs()
			totalLosses = totalLosses.Add(loss)
			if loss.GreaterThan(m.LargestLoss) {
				m.LargestLoss = loss
			}
		}
	}

	m.TotalTrades = len(ledger)
	m.WinRate = types.Stat(math.NaN())
	m.ProfitFactor = types.Stat(math.NaN())

	if m.TotalTrades > 0 {
		// Win-rate is undefined, not zero, when no trades closed.
		winRate, _ := decimal.NewFromInt(int64(m.WinningTrades)).
			Div(decimal.NewFromInt(int64(m.TotalTrades))).Float64()
		m.WinRate = types.Stat(winRate)
		m.AvgHoldingPeriod = totalHolding / time.Duration(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	if !totalLosses.IsZero() {
		pf, _ := totalWins.Div(totalLosses).Float64()
		m.ProfitFactor = types.Stat(pf)
	}
	if m.TotalTrades > 0 {
		winPct := decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades)))
		lossPct := decimal.NewFromInt(1).Sub(winPct)
		m.Expectancy = winPct.Mul(m.AvgWin).Sub(lossPct.Mul(m.AvgLoss))
	}
}

// curveStats fills the equity-curve-derived fields.
func (e *Engine) curveStats(
	m *types.Metrics,
	curve types.EquityCurve,
	returns []float64,
	riskFreeRate float64,
	periodsPerYear int,
) {
	nan := types.Stat(math.NaN())
	m.TotalReturn = nan
	m.CAGR = nan
	m.Sharpe = nan
	m.Sortino = nan
	m.Calmar = nan
	m.MaxDrawdown = nan
	m.Volatility = nan
	m.VaR95 = nan
	m.CVaR95 = nan
	m.Skewness = types.Stat(skewness(returns))
	m.Kurtosis = types.Stat(excessKurtosis(returns))

	if len(curve) == 0 {
		return
	}

	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	if initial.IsPositive() {
		totalReturn, _ := final.Sub(initial).Div(initial).Float64()
		m.TotalReturn = types.Stat(totalReturn)

		// CAGR = (final/initial)^(periodsPerYear/numPeriods) - 1.
		numPeriods := len(curve) - 1
		if numPeriods > 0 {
			growth, _ := final.Div(initial).Float64()
			if growth > 0 {
				m.CAGR = types.Stat(math.Pow(growth, float64(periodsPerYear)/float64(numPeriods)) - 1)
			}
		}
	}

	mdd, mddTime := maxDrawdown(curve)
	m.MaxDrawdown = types.Stat(mdd)
	m.MaxDrawdownTime = mddTime

	if len(returns) < 2 {
		e.logger.Debug("insufficient return periods for ratio statistics",
			zap.Int("periods", len(returns)))
		return
	}

	rfPeriod := riskFreeRate / float64(periodsPerYear)
	avg := mean(returns)
	sd := stdDev(returns)
	annualize := math.Sqrt(float64(periodsPerYear))

	m.Volatility = types.Stat(sd * annualize)
	if sd > 0 {
		m.Sharpe = types.Stat((avg - rfPeriod) / sd * annualize)
	}
	if dd := downsideDeviation(returns); !math.IsNaN(dd) && dd > 0 {
		m.Sortino = types.Stat((avg - rfPeriod) / dd * annualize)
	}
	if m.CAGR.IsDefined() && mdd < 0 {
		m.Calmar = types.Stat(float64(m.CAGR) / -mdd)
	}

	sorted := sortedCopy(returns)
	var95 := percentile(sorted, 5)
	m.VaR95 = types.Stat(-var95)
	var tail []float64
	for _, r := range sorted {
		if r <= var95 {
			tail = append(tail, r)
		}
	}
	if len(tail) > 0 {
		m.CVaR95 = types.Stat(-mean(tail))
	}
}

// significance runs a two-sided Z-test of the mean trade return against
// zero, using the trade-return sample's standard error. Trade return is
// NetPnL over entry notional.
func (e *Engine) significance(m *types.Metrics, ledger types.Ledger) {
	m.ZScore = types.Stat(math.NaN())
	m.PValue = types.Stat(math.NaN())

	returns := make([]float64, 0, len(ledger))
	for _, trade := range ledger {
		notional := trade.EntryPrice.Mul(trade.Quantity)
		if notional.IsZero() {
			continue
		}
		r, _ := trade.NetPnL.Div(notional).Float64()
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return
	}

	sd := stdDev(returns)
	if sd == 0 || math.IsNaN(sd) {
		return
	}
	stderr := sd / math.Sqrt(float64(len(returns)))
	z := mean(returns) / stderr
	m.ZScore = types.Stat(z)
	m.PValue = types.Stat(2 * (1 - normalCDF(math.Abs(z))))
}

// periodReturns converts the equity curve into simple per-bar returns.
func periodReturns(curve types.EquityCurve) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

// maxDrawdown returns min over t of equity/peak - 1, which is <= 0, and the
// timestamp where the trough occurred. Zero means equity never fell below
// its running peak.
func maxDrawdown(curve types.EquityCurve) (float64, time.Time) {
	if len(curve) == 0 {
		return math.NaN(), time.Time{}
	}
	peak := curve[0].Equity
	mdd := 0.0
	var when time.Time
	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsPositive() {
			dd, _ := point.Equity.Div(peak).Float64()
			dd -= 1
			if dd < mdd {
				mdd = dd
				when = point.Timestamp
			}
		}
	}
	return mdd, when
}

// bucketReturns resamples equity-curve returns into calendar buckets keyed
// by UTC date. A bucket's return compounds the per-bar returns of the bars
// falling inside it; calendar periods with no bars are simply absent.
func bucketReturns(curve types.EquityCurve, layout string) []types.PeriodReturn {
	if len(curve) < 2 {
		return nil
	}
	var out []types.PeriodReturn
	idx := make(map[string]int)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		key := curve[i].Timestamp.UTC().Format(layout)
		if pos, ok := idx[key]; ok {
			compounded := (1+float64(out[pos].Return))*(1+r) - 1
			out[pos].Return = types.Stat(compounded)
		} else {
			idx[key] = len(out)
			out = append(out, types.PeriodReturn{Period: key, Return: types.Stat(r)})
		}
	}
	return out
}
