package backend

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/paceflow/types"
)

// healthProbeTimeout bounds each per-backend probe in HealthCheck.
const healthProbeTimeout = 5 * time.Second

// Registry maps logical backend names to factories. It is process-wide
// and effectively immutable after startup: register factories during
// initialization, then share it read-only across goroutines.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "backend_registry")),
	}
}

// Register binds name to factory. Re-registering the identical factory is
// a no-op; binding a used name to a different factory is an error, since
// silently replacing a transport behind a name in use is never intended.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return types.NewError(types.ErrConfiguration, "backend name is required")
	}
	if factory == nil {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("backend %q: factory is nil", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.factories[name]; ok {
		if reflect.ValueOf(existing).Pointer() == reflect.ValueOf(factory).Pointer() {
			return nil
		}
		return types.NewError(types.ErrBackendAlreadyRegistered,
			fmt.Sprintf("backend %q already registered to a different factory", name))
	}

	r.factories[name] = factory
	r.logger.Info("backend registered", zap.String("backend", name))
	return nil
}

// Create instantiates the backend selected by cfg.
func (r *Registry) Create(cfg Config, logger *zap.Logger) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewError(types.ErrBackendNotRegistered,
			fmt.Sprintf("Backend '%s' not registered", cfg.Backend))
	}
	return factory(cfg, logger)
}

// List returns the sorted names of all registered backends.
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

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// HealthCheck concurrently instantiates and pings each configured backend,
// returning the per-name probe error (nil entries mean healthy). Intended
// for startup validation of a fallback plan's backends.
func (r *Registry) HealthCheck(ctx context.Context, cfgs []Config) map[string]error {
	results := make(map[string]error, len(cfgs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		g.Go(func() error {
			err := r.probe(ctx, cfg)
			mu.Lock()
			results[cfg.Backend] = err
			mu.Unlock()
			// Probe failures are reported per backend, not as a group
			// failure.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) probe(ctx context.Context, cfg Config) error {
	b, err := r.Create(cfg, r.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	return b.Ping(ctx)
}
