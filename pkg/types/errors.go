package types

import (
	"fmt"
	"time"
)

// ConfigError reports an invalid RunConfig or search space. Fatal, raised
// before any simulation starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DataError reports misaligned or missing series/signal data. Fatal to the
// affected run only.
type DataError struct {
	Instrument string
	Timestamp  time.Time
	Reason     string
}

func (e *DataError) Error() string {
	if e.Timestamp.IsZero() {
		return fmt.Sprintf("data: %s: %s", e.Instrument, e.Reason)
	}
	return fmt.Sprintf("data: %s at %s: %s", e.Instrument, e.Timestamp.UTC().Format(time.RFC3339), e.Reason)
}

// InsufficientDataError reports too few samples for a statistic. Callers
// degrade the metric to NaN rather than failing the run.
type InsufficientDataError struct {
	Metric string
	Need   int
	Have   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d samples, have %d", e.Metric, e.Need, e.Have)
}

// SimulationError reports an invariant violation inside the simulator, such
// as negative cash. Fatal to that run; carries the config for reproduction.
type SimulationError struct {
	Reason string
	Config *RunConfig
}

func (e *SimulationError) Error() string {
	return "simulation: " + e.Reason
}
