package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/pkg/types"
)

// Momentum enters when the lookback return exceeds a threshold and exits
// when it turns negative.
//
// Params: period (default 14), threshold (default 0.02).
type Momentum struct{}

// Name implements Generator.
func (m *Momentum) Name() string { return "momentum" }

// GenerateSignals implements Generator.
func (m *Momentum) GenerateSignals(s *series.Series, params map[string]float64) ([]types.Signal, error) {
	period := intParam(params, "period", 14)
	threshold := decimal.NewFromFloat(floatParam(params, "threshold", 0.02))

	bars := s.Bars()
	var signals []types.Signal
	holding := false

	for i := period; i < len(bars); i++ {
		past := bars[i-period].Close
		if past.IsZero() {
			continue
		}
		momentum := bars[i].Close.Sub(past).Div(past)

		switch {
		case !holding && momentum.GreaterThan(threshold):
			signals = append(signals, types.Signal{
				Instrument: s.Instrument(),
				Timestamp:  bars[i].Timestamp,
				Action:     types.ActionEnterLong,
				Strength:   momentum,
			})
			holding = true
		case holding && momentum.IsNegative():
			signals = append(signals, types.Signal{
				Instrument: s.Instrument(),
				Timestamp:  bars[i].Timestamp,
				Action:     types.ActionExit,
			})
			holding = false
		}
	}
	return signals, nil
}

// SMACross enters on the fast moving average crossing above the slow one
// and exits on the cross back down.
//
// Params: fast (default 10), slow (default 30).
type SMACross struct{}

// Name implements Generator.
func (c *SMACross) Name() string { return "sma_cross" }

// GenerateSignals implements Generator.
func (c *SMACross) GenerateSignals(s *series.Series, params map[string]float64) ([]types.Signal, error) {
	fast := intParam(params, "fast", 10)
	slow := intParam(params, "slow", 30)
	if fast >= slow {
		return nil, &types.ConfigError{Field: "fast", Reason: "fast period must be below slow period"}
	}

	bars := s.Bars()
	var signals []types.Signal
	holding := false
	wasAbove := false
	primed := false

	for i := slow - 1; i < len(bars); i++ {
		fastAvg := smaAt(bars, i, fast)
		slowAvg := smaAt(bars, i, slow)
		above := fastAvg.GreaterThan(slowAvg)

		if primed {
			switch {
			case !holding && above && !wasAbove:
				signals = append(signals, types.Signal{
					Instrument: s.Instrument(),
					Timestamp:  bars[i].Timestamp,
					Action:     types.ActionEnterLong,
				})
				holding = true
			case holding && !above && wasAbove:
				signals = append(signals, types.Signal{
					Instrument: s.Instrument(),
					Timestamp:  bars[i].Timestamp,
					Action:     types.ActionExit,
				})
				holding = false
			}
		}
		wasAbove = above
		primed = true
	}
	return signals, nil
}

// smaAt averages the closes of the window ending at index i.
func smaAt(bars []types.Bar, i, period int) decimal.Decimal {
	sum := decimal.Zero
	for j := i - period + 1; j <= i; j++ {
		sum = sum.Add(bars[j].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// MeanReversion enters when the close falls z_entry sample standard
// deviations below the rolling mean and exits once it reverts to the mean.
//
// Params: period (default 20), z_entry (default 2).
type MeanReversion struct{}

// Name implements Generator.
func (m *MeanReversion) Name() string { return "mean_reversion" }

// GenerateSignals implements Generator.
func (m *MeanReversion) GenerateSignals(s *series.Series, params map[string]float64) ([]types.Signal, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		period = 2
	}
	zEntry := decimal.NewFromFloat(floatParam(params, "z_entry", 2))

	bars := s.Bars()
	var signals []types.Signal
	holding := false

	for i := period - 1; i < len(bars); i++ {
		avg := smaAt(bars, i, period)

		variance := decimal.Zero
		for j := i - period + 1; j <= i; j++ {
			diff := bars[j].Close.Sub(avg)
			variance = variance.Add(diff.Mul(diff))
		}
		variance = variance.Div(decimal.NewFromInt(int64(period - 1)))
		sd := sqrtDecimal(variance)
		if sd.IsZero() {
			continue
		}

		lower := avg.Sub(sd.Mul(zEntry))
		close := bars[i].Close

		switch {
		case !holding && close.LessThan(lower):
			signals = append(signals, types.Signal{
				Instrument: s.Instrument(),
				Timestamp:  bars[i].Timestamp,
				Action:     types.ActionEnterLong,
				Strength:   avg.Sub(close).Div(sd),
			})
			holding = true
		case holding && close.GreaterThanOrEqual(avg):
			signals = append(signals, types.Signal{
				Instrument: s.Instrument(),
				Timestamp:  bars[i].Timestamp,
				Action:     types.ActionExit,
			})
			holding = false
		}
	}
	return signals, nil
}

// sqrtDecimal approximates the square root with Newton's method.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	x := d
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(two)
	}
	return x
}
