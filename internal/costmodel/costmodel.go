// Package costmodel prices simulated fills. Every model is a deterministic
// function of its inputs: the randomized model takes an explicit seed and
// derives all draws from it, never from ambient randomness.
package costmodel

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/quantlab/backtester/pkg/types"
	"github.com/quantlab/backtester/pkg/utils"
)

// Model prices one fill: the realized price after slippage and the fee
// charged on the notional. Implementations hold no hidden mutable state.
type Model interface {
	PriceFill(side types.Side, bar types.Bar, quantity decimal.Decimal) (fillPrice, fee decimal.Decimal, err error)
}

var one = decimal.NewFromInt(1)

// Proportional applies a proportional commission on notional and a
// fixed-rate slippage that always moves the price against the trader.
type Proportional struct {
	CommissionRate decimal.Decimal
	SlippageRate   decimal.Decimal
}

// NewProportional builds the standard commission+slippage model. Negative
// rates are a ConfigError.
func NewProportional(commissionRate, slippageRate decimal.Decimal) (*Proportional, error) {
	if commissionRate.IsNegative() {
		return nil, &types.ConfigError{Field: "commissionRate", Reason: "must not be negative"}
	}
	if slippageRate.IsNegative() {
		return nil, &types.ConfigError{Field: "slippageRate", Reason: "must not be negative"}
	}
	return &Proportional{CommissionRate: commissionRate, SlippageRate: slippageRate}, nil
}

// PriceFill implements Model. Fills reference the bar's close: buys pay
// close*(1+slippage), sells receive close*(1-slippage).
func (m *Proportional) PriceFill(side types.Side, bar types.Bar, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	var fill decimal.Decimal
	switch side {
	case types.SideBuy:
		fill = bar.Close.Mul(one.Add(m.SlippageRate))
	case types.SideSell:
		fill = bar.Close.Mul(one.Sub(m.SlippageRate))
	default:
		return decimal.Zero, decimal.Zero, &types.ConfigError{Field: "side", Reason: "unknown side: " + string(side)}
	}
	fee := utils.RoundMoney(fill.Mul(quantity).Mul(m.CommissionRate))
	return fill, fee, nil
}

// VolumeImpact extends the proportional model with a square-root market
// impact term scaled by the order's participation in the bar's volume.
type VolumeImpact struct {
	Proportional
	ImpactFactor decimal.Decimal
}

// NewVolumeImpact builds the impact-aware model.
func NewVolumeImpact(commissionRate, slippageRate, impactFactor decimal.Decimal) (*VolumeImpact, error) {
	base, err := NewProportional(commissionRate, slippageRate)
	if err != nil {
		return nil, err
	}
	if impactFactor.IsNegative() {
		return nil, &types.ConfigError{Field: "impactFactor", Reason: "must not be negative"}
	}
	return &VolumeImpact{Proportional: *base, ImpactFactor: impactFactor}, nil
}

// PriceFill implements Model. Impact = factor * sqrt(quantity/volume),
// added to the base slippage rate against the trader. Zero-volume bars fall
// back to the base model.
func (m *VolumeImpact) PriceFill(side types.Side, bar types.Bar, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if bar.Volume.IsZero() || quantity.IsZero() {
		return m.Proportional.PriceFill(side, bar, quantity)
	}
	participation, _ := quantity.Div(bar.Volume).Float64()
	impact := m.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))

	effective := Proportional{
		CommissionRate: m.CommissionRate,
		SlippageRate:   m.SlippageRate.Add(impact),
	}
	return effective.PriceFill(side, bar, quantity)
}

// SeededRandom draws slippage uniformly in [0, maxRate] from a stream that
// is a pure function of the seed and the bar, so identical runs price
// identical fills. The draw mixes the bar timestamp and instrument into the
// seed rather than consuming a shared stream, keeping fills independent of
// call order.
type SeededRandom struct {
	CommissionRate decimal.Decimal
	MaxSlippage    decimal.Decimal
	Seed           int64
}

// NewSeededRandom builds the seeded random-slippage model.
func NewSeededRandom(commissionRate, maxSlippage decimal.Decimal, seed int64) (*SeededRandom, error) {
	if commissionRate.IsNegative() {
		return nil, &types.ConfigError{Field: "commissionRate", Reason: "must not be negative"}
	}
	if maxSlippage.IsNegative() {
		return nil, &types.ConfigError{Field: "maxSlippage", Reason: "must not be negative"}
	}
	return &SeededRandom{CommissionRate: commissionRate, MaxSlippage: maxSlippage, Seed: seed}, nil
}

// PriceFill implements Model.
func (m *SeededRandom) PriceFill(side types.Side, bar types.Bar, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	mixed := m.Seed ^ bar.Timestamp.UnixNano()
	for _, b := range []byte(bar.Instrument) {
		mixed = mixed*31 + int64(b)
	}
	rng := rand.New(rand.NewSource(mixed))
	draw := decimal.NewFromFloat(rng.Float64())

	effective := Proportional{
		CommissionRate: m.CommissionRate,
		SlippageRate:   m.MaxSlippage.Mul(draw),
	}
	return effective.PriceFill(side, bar, quantity)
}
