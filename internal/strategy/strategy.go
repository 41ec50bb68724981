// Package strategy defines the signal-generation boundary and the built-in
// strategy variants. The core is polymorphic over Generator and does not
// care how signals are computed; external strategies plug in through the
// same interface.
package strategy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/series"
	"github.com/quantlab/backtester/pkg/types"
)

// Generator turns one instrument's series plus a parameter set into an
// ordered signal sequence. Implementations must be causal: the signal for
// bar i may depend only on bars 0..i. They must also be pure with respect
// to params so the same inputs always yield the same signals.
type Generator interface {
	Name() string
	GenerateSignals(s *series.Series, params map[string]float64) ([]types.Signal, error)
}

// Factory builds a fresh Generator instance; the optimizer calls it once
// per unit of work so runs never share strategy state.
type Factory func() Generator

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}
	r.Register("momentum", func() Generator { return &Momentum{} })
	r.Register("sma_cross", func() Generator { return &SMACross{} })
	r.Register("mean_reversion", func() Generator { return &MeanReversion{} })
	return r
}

// Register adds a strategy factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a new generator instance by name.
func (r *Registry) Create(name string) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Factory returns the named factory itself, for engines that build one
// instance per unit of work.
func (r *Registry) Factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// List returns the registered names in ascending order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// intParam reads an integer parameter with a default and a floor of 1.
func intParam(params map[string]float64, name string, def int) int {
	v, ok := params[name]
	if !ok {
		return def
	}
	n := int(v)
	if n < 1 {
		return 1
	}
	return n
}

// floatParam reads a float parameter with a default.
func floatParam(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}
