package beancounter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// slot holds the process-wide strategy used by the assertion helpers.
var slot = struct {
	mu       sync.Mutex
	current  Strategy
	registry *Registry
	config   *Config
	logger   *slog.Logger
}{registry: DefaultRegistry()}

// Configure sets the configuration and logger used to build strategies by name.
// A nil cfg falls back to LoadConfig at build time.
func Configure(cfg *Config, logger *slog.Logger) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.config = cfg
	slot.logger = logger
}

// RegisterStrategy adds a factory to the registry SetStrategy resolves names in.
func RegisterStrategy(name string, f Factory) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.registry.Register(name, f)
}

// Strategies lists the names SetStrategy accepts.
func Strategies() []string {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.registry.Names()
}

// SetStrategy builds the strategy registered under name and makes it current.
// On error the current strategy is left unchanged; on success the previous one is closed.
func SetStrategy(ctx context.Context, name string) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	s, err := slot.registry.Build(ctx, name, slot.config, slot.logger)
	if err != nil {
		return fmt.Errorf("failed to set strategy %q: %w", name, err)
	}
	return swapLocked(s)
}

// UseStrategy makes s current, closing the previous strategy.
func UseStrategy(s Strategy) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return swapLocked(s)
}

// CurrentStrategy returns the current strategy, building the configured default
// (climber unless BEANCOUNTER_STRATEGY says otherwise) on first use.
func CurrentStrategy(ctx context.Context) (Strategy, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.current != nil {
		return slot.current, nil
	}

	cfg := slot.config
	if cfg == nil {
		cfg = LoadConfig()
	}
	name := cfg.Strategy
	if name == "" {
		name = DefaultStrategy
	}
	s, err := slot.registry.Build(ctx, name, cfg, slot.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build default strategy %q: %w", name, err)
	}
	slot.current = s
	return s, nil
}

// ClearStrategy closes and unsets the current strategy; the next CurrentStrategy
// call builds the default again.
func ClearStrategy() error {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return swapLocked(nil)
}

func swapLocked(s Strategy) error {
	old := slot.current
	slot.current = s
	if old == nil || old == s {
		return nil
	}
	if err := old.Close(); err != nil {
		return fmt.Errorf("failed to close previous strategy: %w", err)
	}
	return nil
}

// Reset deletes every job visible to strategy, or only those in tube when tube is
// not empty. It reports whether every deletion succeeded; jobs reserved by other
// connections cannot be deleted.
func Reset(ctx context.Context, strategy Strategy, tube string) (bool, error) {
	var filter Attrs
	if tube != "" {
		filter = Attrs{"tube": tube}
	}
	allDeleted := true
	for job, err := range strategy.Jobs(ctx) {
		if err != nil {
			return false, err
		}
		if filter != nil {
			ok, err := strategy.JobMatches(ctx, job, filter)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
		}
		deleted, err := strategy.DeleteJob(ctx, job)
		if err != nil {
			return false, err
		}
		if !deleted {
			allDeleted = false
		}
	}
	return allDeleted, nil
}
