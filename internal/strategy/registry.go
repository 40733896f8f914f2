package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mazstick/marketlib/internal/domain"
)

// Factory builds a named strategy from the shared config.
type Factory func(cfg Config, logger *slog.Logger) (Strategy, error)

// Registry manages a named collection of strategy factories that can
// be looked up at runtime. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in strategies
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameMACDDivergence, func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewMACDDivergence(cfg.MACDDivergence, logger)
	})
	r.Register(NameMACross, func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewMACross(cfg.MACross, logger)
	})
	return r
}

// Register adds a factory under the given name. An existing entry with
// the same name is replaced.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the named strategy from its config section. It returns an
// error when the name is not registered.
func (r *Registry) New(name string, cfg Config, logger *slog.Logger) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrUnknownStrategy)
	}
	return f(cfg, logger)
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
