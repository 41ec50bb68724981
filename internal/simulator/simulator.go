// Package simulator is the event-driven core of the backtester. One
// Simulate call replays a signal sequence against a market series in strict
// timestamp order and produces the run's trade ledger and equity curve.
//
// The single-run loop is sequential and stateful on purpose: correctness
// depends on processing bars exactly once in time order. Parallelism belongs
// to the engines that schedule many independent runs, never inside this
// loop.
package simulator

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/costmodel"
	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/pkg/types"
	"github.com/quantlab/backtester/pkg/utils"
)

var one = decimal.NewFromInt(1)

// Simulator runs portfolio simulations. It holds no per-run state; every
// Simulate call constructs its own positions, ledger, and curve, so one
// Simulator may serve many concurrent runs.
type Simulator struct {
	logger *zap.Logger
}

// New creates a Simulator.
func New(logger *zap.Logger) *Simulator {
	return &Simulator{logger: logger}
}

// openPosition is the mutable in-run counterpart of types.Position.
type openPosition struct {
	instrument string
	entryTime  time.Time
	entryPrice decimal.Decimal
	quantity   decimal.Decimal
	entryFee   decimal.Decimal
	slot       int
}

// signalKey addresses one (timestamp, instrument) cell of the signal grid.
type signalKey struct {
	unixNano   int64
	instrument string
}

// Simulate replays signals against the collection under the given config and
// cost model. Bars are processed in strictly increasing timestamp order with
// no lookahead; a decision at bar t uses only data at or before t.
//
// Same-bar ordering is fixed: exits before entries, instruments in ascending
// identifier order. Positions still open after the final bar are force
// closed at that bar's close and flagged ExitForced.
func (s *Simulator) Simulate(
	coll *series.Collection,
	signals []types.Signal,
	model costmodel.Model,
	cfg *types.RunConfig,
) (types.Ledger, types.EquityCurve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	grid, err := indexSignals(coll, signals)
	if err != nil {
		return nil, nil, err
	}

	var (
		cash      = cfg.InitialCapital
		open      = make(map[string]*openPosition)
		slotUsed  = make([]bool, cfg.MaxSlots)
		lastClose = make(map[string]decimal.Decimal)
		ledger    types.Ledger
		curve     types.EquityCurve
	)

	instruments := coll.Instruments()
	timeline := coll.Timeline()

	for _, ts := range timeline {
		// Exits first so a freed slot is available to a same-bar entry.
		for _, name := range instruments {
			ser, _ := coll.Get(name)
			bar, ok := ser.BarAt(ts)
			if !ok {
				continue
			}
			lastClose[name] = bar.Close

			sig, ok := grid[signalKey{ts.UnixNano(), name}]
			if !ok || sig.Action != types.ActionExit {
				continue
			}
			pos, held := open[name]
			if !held {
				continue // exit without a position is a no-op
			}

			trade, proceeds, err := s.closePosition(pos, bar, ts, model, types.ExitSignal, len(ledger)+1)
			if err != nil {
				return nil, nil, err
			}
			cash = cash.Add(proceeds)
			ledger = append(ledger, trade)
			slotUsed[pos.slot] = false
			delete(open, name)
		}

		// Entry admission, ascending instrument order. Candidates beyond
		// the remaining slots or below the minimum viable size are
		// rejected, not queued.
		for _, name := range instruments {
			sig, ok := grid[signalKey{ts.UnixNano(), name}]
			if !ok || sig.Action != types.ActionEnterLong {
				continue
			}
			if _, held := open[name]; held {
				continue // no pyramiding: an open position absorbs the signal
			}
			ser, _ := coll.Get(name)
			bar, ok := ser.BarAt(ts)
			if !ok {
				continue
			}

			freeSlots := cfg.MaxSlots - len(open)
			if freeSlots <= 0 {
				s.logger.Debug("entry rejected: no free slot",
					zap.String("instrument", name), zap.Time("ts", ts))
				continue
			}
			allocation := cash.Div(decimal.NewFromInt(int64(freeSlots)))
			if allocation.LessThan(cfg.MinPositionNotional) {
				s.logger.Debug("entry rejected: below minimum notional",
					zap.String("instrument", name), zap.Time("ts", ts))
				continue
			}

			pos, spent, err := s.openWithBudget(name, bar, ts, allocation, model)
			if err != nil {
				return nil, nil, err
			}
			if pos == nil {
				continue
			}
			pos.slot = lowestFreeSlot(slotUsed)
			slotUsed[pos.slot] = true
			open[name] = pos
			cash = cash.Sub(spent)
		}

		if cash.IsNegative() {
			simErr := &types.SimulationError{
				Reason: fmt.Sprintf("negative cash %s at %s", cash, ts.Format(time.RFC3339)),
				Config: cfg,
			}
			s.logger.Error("simulation invariant violated",
				zap.Error(simErr), zap.Any("config", cfg))
			return nil, nil, simErr
		}

		// Mark to market: total equity is cash plus every open position at
		// its latest close, exactly.
		equity := cash
		for _, name := range sortedKeys(open) {
			equity = equity.Add(open[name].quantity.Mul(lastClose[name]))
		}
		curve = append(curve, types.EquityCurvePoint{
			Timestamp:     ts,
			Equity:        equity,
			Cash:          cash,
			OpenPositions: len(open),
		})
	}

	// Forced liquidation at each instrument's final bar close. The position
	// is never silently dropped; the trade is flagged so analytics can
	// separate it from signal-driven exits.
	for _, name := range sortedKeys(open) {
		pos := open[name]
		ser, _ := coll.Get(name)
		last := ser.Last()

		exitPrice := last.Close
		gross := utils.RoundMoney(exitPrice.Sub(pos.entryPrice).Mul(pos.quantity))
		fees := pos.entryFee
		trade := types.Trade{
			ID:            utils.TradeID(len(ledger) + 1),
			Instrument:    name,
			EntryTime:     pos.entryTime,
			EntryPrice:    pos.entryPrice,
			ExitTime:      last.Timestamp,
			ExitPrice:     exitPrice,
			Quantity:      pos.quantity,
			GrossPnL:      gross,
			Fees:          fees,
			NetPnL:        gross.Sub(fees),
			HoldingPeriod: last.Timestamp.Sub(pos.entryTime),
			ExitReason:    types.ExitForced,
		}
		ledger = append(ledger, trade)
		cash = cash.Add(utils.RoundMoney(exitPrice.Mul(pos.quantity)))
		slotUsed[pos.slot] = false
		delete(open, name)
	}

	s.logger.Debug("simulation complete",
		zap.Int("trades", len(ledger)),
		zap.Int("bars", len(curve)),
		zap.String("finalCash", cash.String()))

	return ledger, curve, nil
}

// openWithBudget sizes and prices an entry so that notional plus fee never
// exceeds the allocation. Returns a nil position when no viable quantity
// exists. Two pricing passes bound the fee/impact feedback: the second pass
// scales the quantity down by the first pass's overshoot.
func (s *Simulator) openWithBudget(
	instrument string,
	bar types.Bar,
	ts time.Time,
	allocation decimal.Decimal,
	model costmodel.Model,
) (*openPosition, decimal.Decimal, error) {
	unitPrice, _, err := model.PriceFill(types.SideBuy, bar, one)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if unitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, &types.DataError{
			Instrument: instrument, Timestamp: ts, Reason: "non-positive fill price",
		}
	}

	quantity := allocation.Div(unitPrice).RoundDown(utils.MoneyScale)
	for pass := 0; pass < 2; pass++ {
		if quantity.LessThanOrEqual(decimal.Zero) {
			return nil, decimal.Zero, nil
		}
		fill, fee, err := model.PriceFill(types.SideBuy, bar, quantity)
		if err != nil {
			return nil, decimal.Zero, err
		}
		notional := utils.RoundMoney(fill.Mul(quantity))
		total := notional.Add(fee)
		if total.LessThanOrEqual(allocation) {
			return &openPosition{
				instrument: instrument,
				entryTime:  ts,
				entryPrice: fill,
				quantity:   quantity,
				entryFee:   fee,
			}, total, nil
		}
		quantity = quantity.Mul(allocation).Div(total).RoundDown(utils.MoneyScale)
	}
	return nil, decimal.Zero, nil
}

// closePosition prices a signal-driven exit and builds the trade record.
func (s *Simulator) closePosition(
	pos *openPosition,
	bar types.Bar,
	ts time.Time,
	model costmodel.Model,
	reason types.ExitReason,
	seq int,
) (types.Trade, decimal.Decimal, error) {
	fill, exitFee, err := model.PriceFill(types.SideSell, bar, pos.quantity)
	if err != nil {
		return types.Trade{}, decimal.Zero, err
	}

	gross := utils.RoundMoney(fill.Sub(pos.entryPrice).Mul(pos.quantity))
	fees := pos.entryFee.Add(exitFee)
	proceeds := utils.RoundMoney(fill.Mul(pos.quantity)).Sub(exitFee)

	trade := types.Trade{
		ID:            utils.TradeID(seq),
		Instrument:    pos.instrument,
		EntryTime:     pos.entryTime,
		EntryPrice:    pos.entryPrice,
		ExitTime:      ts,
		ExitPrice:     fill,
		Quantity:      pos.quantity,
		GrossPnL:      gross,
		Fees:          fees,
		NetPnL:        gross.Sub(fees),
		HoldingPeriod: ts.Sub(pos.entryTime),
		ExitReason:    reason,
	}
	return trade, proceeds, nil
}

// indexSignals validates strict series alignment and builds the signal grid.
// A signal whose timestamp has no matching bar is a DataError, never a
// silent skip. Hold signals are dropped; conflicting non-hold signals on the
// same cell are a DataError.
func indexSignals(coll *series.Collection, signals []types.Signal) (map[signalKey]types.Signal, error) {
	grid := make(map[signalKey]types.Signal, len(signals))
	for _, sig := range signals {
		ser, ok := coll.Get(sig.Instrument)
		if !ok {
			return nil, &types.DataError{
				Instrument: sig.Instrument,
				Timestamp:  sig.Timestamp,
				Reason:     "signal references unknown instrument",
			}
		}
		ts := sig.Timestamp.UTC()
		if _, ok := ser.BarAt(ts); !ok {
			return nil, &types.DataError{
				Instrument: sig.Instrument,
				Timestamp:  sig.Timestamp,
				Reason:     "signal timestamp has no matching bar",
			}
		}
		if sig.Action == types.ActionHold {
			continue
		}
		key := signalKey{ts.UnixNano(), sig.Instrument}
		if prev, dup := grid[key]; dup && prev.Action != sig.Action {
			return nil, &types.DataError{
				Instrument: sig.Instrument,
				Timestamp:  sig.Timestamp,
				Reason:     "conflicting signals for the same bar",
			}
		}
		grid[key] = sig
	}
	return grid, nil
}

func lowestFreeSlot(used []bool) int {
	for i, u := range used {
		if !u {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]*openPosition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
