package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"routebrain/internal/observability"
)

const healthCheckTimeout = 3 * time.Second

// Registry holds the configured provider adapters by name. Lookup misses are
// not errors: the dispatch loop skips unknown providers and tries the next
// candidate.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	logger    *observability.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Registry{providers: map[string]Provider{}, logger: logger}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.logger.Info("provider registered", "provider", p.Name())
}

// Get returns the provider for name, or nil.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Available lists registered provider names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckAll probes every provider concurrently with a per-adapter
// deadline and reports reachability by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		snapshot[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(snapshot))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for name, p := range snapshot {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			err := p.HealthCheck(probeCtx)
			resultsMu.Lock()
			results[name] = err == nil
			resultsMu.Unlock()
			if err != nil {
				r.logger.Warn("provider unhealthy", "provider", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
