// Package types provides shared type definitions for the backtesting engine.
package types

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SignalAction represents the action requested by a strategy for one bar.
type SignalAction string

const (
	ActionEnterLong SignalAction = "enter_long"
	ActionExit      SignalAction = "exit"
	ActionHold      SignalAction = "hold"
)

// ExitReason distinguishes signal-driven exits from end-of-series liquidation.
type ExitReason string

const (
	ExitSignal ExitReason = "signal"
	ExitForced ExitReason = "forced"
)

// Bar is a single OHLCV observation for an instrument. Timestamps are UTC
// and strictly increasing within a series.
type Bar struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// Signal is a strategy decision for one bar. The timestamp must match an
// existing bar of the instrument's series.
type Signal struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Action     SignalAction    `json:"action"`
	Strength   decimal.Decimal `json:"strength"`
}

// Position is an open holding. It exists from the fill of an enter signal
// until the fill of the matching exit and is owned exclusively by the
// simulation run that created it.
type Position struct {
	Instrument string          `json:"instrument"`
	EntryTime  time.Time       `json:"entryTime"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	Slot       int             `json:"slot"`
}

// Trade is a closed position record. Immutable once appended to a ledger.
type Trade struct {
	ID            string          `json:"id"`
	Instrument    string          `json:"instrument"`
	EntryTime     time.Time       `json:"entryTime"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	ExitTime      time.Time       `json:"exitTime"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	Quantity      decimal.Decimal `json:"quantity"`
	GrossPnL      decimal.Decimal `json:"grossPnl"`
	Fees          decimal.Decimal `json:"fees"`
	NetPnL        decimal.Decimal `json:"netPnl"`
	HoldingPeriod time.Duration   `json:"holdingPeriod"`
	ExitReason    ExitReason      `json:"exitReason"`
}

// Ledger is the ordered sequence of closed trades for one simulation run.
type Ledger []Trade

// EquityCurvePoint is one mark-to-market snapshot, one per bar processed.
type EquityCurvePoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	OpenPositions int             `json:"openPositions"`
}

// EquityCurve is the ordered sequence of equity points for one run.
type EquityCurve []EquityCurvePoint

// FinalEquity returns the last equity value, or zero for an empty curve.
func (c EquityCurve) FinalEquity() decimal.Decimal {
	if len(c) == 0 {
		return decimal.Zero
	}
	return c[len(c)-1].Equity
}

// Stat is a float64 statistic that marshals NaN and infinities as JSON null.
// Undefined metrics (insufficient data, zero denominators) are NaN by
// convention, never a crash.
type Stat float64

// MarshalJSON implements json.Marshaler.
func (s Stat) MarshalJSON() ([]byte, error) {
	f := float64(s)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// IsDefined reports whether the statistic holds a usable value.
func (s Stat) IsDefined() bool {
	f := float64(s)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PeriodReturn is one calendar bucket of the return breakdown. Period is
// "2006-01" for monthly buckets and "2006" for yearly buckets; buckets with
// no bars are omitted entirely, not reported as zero.
type PeriodReturn struct {
	Period string `json:"period"`
	Return Stat   `json:"return"`
}

// Metrics is a computed, immutable snapshot derived from one ledger and
// equity curve pair. Money amounts are decimals; ratio statistics are Stats
// so an undefined value survives serialization as null.
type Metrics struct {
	TotalTrades   int `json:"totalTrades"`
	WinningTrades int `json:"winningTrades"`
	LosingTrades  int `json:"losingTrades"`
	ForcedExits   int `json:"forcedExits"`

	NetProfit   decimal.Decimal `json:"netProfit"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	AvgWin      decimal.Decimal `json:"avgWin"`
	AvgLoss     decimal.Decimal `json:"avgLoss"`
	LargestWin  decimal.Decimal `json:"largestWin"`
	LargestLoss decimal.Decimal `json:"largestLoss"`
	Expectancy  decimal.Decimal `json:"expectancy"`

	TotalReturn  Stat `json:"totalReturn"`
	CAGR         Stat `json:"cagr"`
	Sharpe       Stat `json:"sharpe"`
	Sortino      Stat `json:"sortino"`
	Calmar       Stat `json:"calmar"`
	MaxDrawdown  Stat `json:"maxDrawdown"` // <= 0 by construction
	WinRate      Stat `json:"winRate"`
	ProfitFactor Stat `json:"profitFactor"`
	Volatility   Stat `json:"volatility"` // annualized
	VaR95        Stat `json:"var95"`
	CVaR95       Stat `json:"cvar95"`
	Skewness     Stat `json:"skewness"`
	Kurtosis     Stat `json:"kurtosis"` // excess kurtosis, normal = 0

	ZScore           Stat   `json:"zScore"`
	PValue           Stat   `json:"pValue"`
	SignificanceTest string `json:"significanceTest"`

	MaxDrawdownTime  time.Time     `json:"maxDrawdownTime"`
	AvgHoldingPeriod time.Duration `json:"avgHoldingPeriod"`

	MonthlyReturns []PeriodReturn `json:"monthlyReturns,omitempty"`
	YearlyReturns  []PeriodReturn `json:"yearlyReturns,omitempty"`
}

// BacktestResult bundles everything one simulation run produced, in the
// plain-record form consumed by the reporting boundary.
type BacktestResult struct {
	ID          string        `json:"id"`
	Config      *RunConfig    `json:"config"`
	Ledger      Ledger        `json:"ledger"`
	EquityCurve EquityCurve   `json:"equityCurve"`
	Metrics     *Metrics      `json:"metrics"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}
