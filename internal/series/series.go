// Package series provides immutable, ordered market data series. A Series
// holds the bars of one instrument; a Collection groups the series of a
// simulation's instrument universe. Data acquisition lives outside this
// module: series are constructed from bars handed in by the data collector
// and are read-only from then on.
package series

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantlab/backtester/pkg/types"
)

// Series is an immutable ordered bar sequence for one instrument.
type Series struct {
	instrument string
	bars       []types.Bar
	index      map[int64]int // unix nanos -> bar index
}

// New validates and wraps a bar slice. Bars must belong to the given
// instrument, carry UTC timestamps in strictly increasing order, and contain
// no duplicates. The input slice is copied.
func New(instrument string, bars []types.Bar) (*Series, error) {
	if instrument == "" {
		return nil, &types.DataError{Instrument: instrument, Reason: "empty instrument identifier"}
	}
	if len(bars) == 0 {
		return nil, &types.DataError{Instrument: instrument, Reason: "empty bar sequence"}
	}

	owned := make([]types.Bar, len(bars))
	index := make(map[int64]int, len(bars))
	var prev time.Time
	for i, bar := range bars {
		if bar.Instrument != instrument {
			return nil, &types.DataError{
				Instrument: instrument,
				Timestamp:  bar.Timestamp,
				Reason:     "bar belongs to instrument " + bar.Instrument,
			}
		}
		ts := bar.Timestamp.UTC()
		if i > 0 && !ts.After(prev) {
			return nil, &types.DataError{
				Instrument: instrument,
				Timestamp:  bar.Timestamp,
				Reason:     "timestamps not strictly increasing",
			}
		}
		prev = ts
		bar.Timestamp = ts
		owned[i] = bar
		index[ts.UnixNano()] = i
	}

	return &Series{instrument: instrument, bars: owned, index: index}, nil
}

// Instrument returns the instrument identifier.
func (s *Series) Instrument() string { return s.instrument }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Bars returns the underlying bar slice. Callers must treat it as read-only.
func (s *Series) Bars() []types.Bar { return s.bars }

// At returns the i-th bar.
func (s *Series) At(i int) types.Bar { return s.bars[i] }

// BarAt returns the bar with the exact timestamp, if present.
func (s *Series) BarAt(t time.Time) (types.Bar, bool) {
	i, ok := s.index[t.UTC().UnixNano()]
	if !ok {
		return types.Bar{}, false
	}
	return s.bars[i], true
}

// Last returns the final bar of the series.
func (s *Series) Last() types.Bar { return s.bars[len(s.bars)-1] }

// Slice returns a sub-series restricted to [start, end]. Zero bounds are
// open. Returns nil when no bars remain.
func (s *Series) Slice(start, end time.Time) *Series {
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(s.bars), func(i int) bool {
			return !s.bars[i].Timestamp.Before(start)
		})
	}
	hi := len(s.bars)
	if !end.IsZero() {
		hi = sort.Search(len(s.bars), func(i int) bool {
			return s.bars[i].Timestamp.After(end)
		})
	}
	if lo >= hi {
		return nil
	}
	sub, err := New(s.instrument, s.bars[lo:hi])
	if err != nil {
		return nil
	}
	return sub
}

// Closes returns the close prices as a new slice.
func (s *Series) Closes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.bars))
	for i, b := range s.bars {
		out[i] = b.Close
	}
	return out
}

// Collection groups the series of an instrument universe. Instruments are
// always exposed in ascending identifier order; that ordering is the
// documented tie-break for same-bar entry admission.
type Collection struct {
	byInstrument map[string]*Series
	instruments  []string
}

// NewCollection builds a collection from one series per instrument.
// Duplicate instruments are rejected.
func NewCollection(all ...*Series) (*Collection, error) {
	c := &Collection{byInstrument: make(map[string]*Series, len(all))}
	for _, s := range all {
		if _, dup := c.byInstrument[s.instrument]; dup {
			return nil, &types.DataError{Instrument: s.instrument, Reason: "duplicate series"}
		}
		c.byInstrument[s.instrument] = s
		c.instruments = append(c.instruments, s.instrument)
	}
	sort.Strings(c.instruments)
	return c, nil
}

// Instruments returns the instrument identifiers in ascending order.
func (c *Collection) Instruments() []string { return c.instruments }

// Get returns the series of one instrument.
func (c *Collection) Get(instrument string) (*Series, bool) {
	s, ok := c.byInstrument[instrument]
	return s, ok
}

// Timeline returns the sorted union of all bar timestamps across the
// collection.
func (c *Collection) Timeline() []time.Time {
	seen := make(map[int64]struct{})
	var out []time.Time
	for _, name := range c.instruments {
		for _, bar := range c.byInstrument[name].bars {
			key := bar.Timestamp.UnixNano()
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				out = append(out, bar.Timestamp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Restrict returns a collection limited to the given instruments and date
// range. Instruments absent from the collection are a DataError; an empty
// instrument list keeps the whole universe.
func (c *Collection) Restrict(instruments []string, start, end time.Time) (*Collection, error) {
	names := instruments
	if len(names) == 0 {
		names = c.instruments
	}
	var kept []*Series
	for _, name := range names {
		s, ok := c.byInstrument[name]
		if !ok {
			return nil, &types.DataError{Instrument: name, Reason: "instrument not in collection"}
		}
		sub := s.Slice(start, end)
		if sub == nil {
			return nil, &types.DataError{Instrument: name, Reason: "no bars in requested date range"}
		}
		kept = append(kept, sub)
	}
	return NewCollection(kept...)
}
