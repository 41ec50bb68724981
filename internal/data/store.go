// Package data loads bar history from disk into immutable series. One CSV
// file per instrument, named <instrument>.csv, with the header
// timestamp,open,high,low,close,volume and RFC3339 UTC timestamps.
package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/pkg/types"
)

// Store reads and caches instrument series. Loaded series are immutable, so
// the cache is shared freely across concurrent pipeline runs.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	dir    string
	cache  map[string]*series.Series
}

// NewStore creates a store rooted at dir.
func NewStore(logger *zap.Logger, dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data path %s is not a directory", dir)
	}
	return &Store{
		logger: logger,
		dir:    dir,
		cache:  make(map[string]*series.Series),
	}, nil
}

// Available lists the instruments present on disk, ascending.
func (s *Store) Available() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".csv"))
	}
	sort.Strings(names)
	return names, nil
}

// LoadSeries returns the series for one instrument, reading it from disk on
// first use.
func (s *Store) LoadSeries(instrument string) (*series.Series, error) {
	s.mu.RLock()
	cached, ok := s.cache[instrument]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(s.dir, instrument+".csv")
	bars, err := readBars(instrument, path)
	if err != nil {
		return nil, err
	}

	ser, err := series.New(instrument, bars)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[instrument] = ser
	s.mu.Unlock()

	s.logger.Debug("loaded series",
		zap.String("instrument", instrument),
		zap.Int("bars", len(bars)))
	return ser, nil
}

// LoadCollection loads every named instrument into one collection.
func (s *Store) LoadCollection(instruments []string) (*series.Collection, error) {
	loaded := make([]*series.Series, 0, len(instruments))
	for _, name := range instruments {
		ser, err := s.LoadSeries(name)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, ser)
	}
	return series.NewCollection(loaded...)
}

func readBars(instrument, path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.DataError{Instrument: instrument, Reason: "no data file"}
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	records, err := r.ReadAll()
	if err != nil {
		return nil, &types.DataError{Instrument: instrument, Reason: "malformed csv: " + err.Error()}
	}
	if len(records) < 2 {
		return nil, &types.DataError{Instrument: instrument, Reason: "no bars"}
	}

	// First record is the header.
	bars := make([]types.Bar, 0, len(records)-1)
	for i, rec := range records[1:] {
		bar, err := parseBar(instrument, rec)
		if err != nil {
			return nil, &types.DataError{
				Instrument: instrument,
				Reason:     fmt.Sprintf("row %d: %v", i+2, err),
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseBar(instrument string, rec []string) (types.Bar, error) {
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return types.Bar{}, fmt.Errorf("timestamp: %w", err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		d, err := decimal.NewFromString(rec[i+1])
		if err != nil {
			return types.Bar{}, fmt.Errorf("%s: %w", name, err)
		}
		fields[i] = d
	}

	return types.Bar{
		Instrument: instrument,
		Timestamp:  ts.UTC(),
		Open:       fields[0],
		High:       fields[1],
		Low:        fields[2],
		Close:      fields[3],
		Volume:     fields[4],
	}, nil
}
