package beancounter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownStrategy is returned when resolving a name no strategy is registered under.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Registry names of the built-in strategies.
const (
	ClimberStrategyName  = "climber"
	EmbeddedStrategyName = "embedded"

	// DefaultStrategy works with any standard beanstalkd server.
	DefaultStrategy = ClimberStrategyName
)

// Factory builds a strategy from configuration.
type Factory func(ctx context.Context, cfg *Config, logger *slog.Logger) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding factories.
func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for name, f := range factories {
		r.factories[name] = f
	}
	return r
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Factory{
		ClimberStrategyName: func(ctx context.Context, cfg *Config, logger *slog.Logger) (Strategy, error) {
			return NewClimberStrategy(ctx, cfg.URLs, cfg.TestTube, logger)
		},
		EmbeddedStrategyName: func(ctx context.Context, cfg *Config, logger *slog.Logger) (Strategy, error) {
			return NewEmbeddedStrategy(cfg.URLs, EmbeddedOptions{Store: cfg.Store, StorePath: cfg.StorePath}, logger)
		},
	})
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if f == nil {
		return fmt.Errorf("strategy %s: factory is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy already registered: %s", name)
	}
	r.factories[name] = f
	return nil
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Resolve returns the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q, known strategies: %v", ErrUnknownStrategy, name, r.namesLocked())
	}
	return f, nil
}

// Names lists registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves name and constructs the strategy.
func (r *Registry) Build(ctx context.Context, name string, cfg *Config, logger *slog.Logger) (Strategy, error) {
	f, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = LoadConfig()
	}
	return f(ctx, cfg, logger)
}
