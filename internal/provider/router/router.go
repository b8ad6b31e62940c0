// Package router selects the execution provider for a session: first by
// priority, then by cached health, then by circuit-breaker admission.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/config"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/provider/breaker"
	"github.com/issuepilot/issuepilot/internal/provider/health"
)

// Router ranks providers and picks the first serviceable one.
type Router struct {
	monitor *health.Monitor
	breaker *breaker.Breaker
	logger  *logger.Logger

	mu        sync.RWMutex
	providers []*provider.Provider
}

// New creates a Router over the given ordered provider list.
func New(providers []*provider.Provider, monitor *health.Monitor, brk *breaker.Breaker, log *logger.Logger) *Router {
	return &Router{
		monitor:   monitor,
		breaker:   brk,
		logger:    log.WithFields(zap.String("component", "provider-router")),
		providers: providers,
	}
}

// Providers returns the current ordered provider list.
func (r *Router) Providers() []*provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*provider.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// SelectProvider returns the first provider, in priority order, that is
// healthy and whose circuit admits a request. A cold or expired health
// cache is refreshed first. Types listed in exclude are skipped, letting
// the orchestrator move past a provider that just exhausted its retries.
func (r *Router) SelectProvider(ctx context.Context, exclude ...string) (*provider.Provider, error) {
	if !r.monitor.Fresh() {
		r.monitor.Refresh(ctx)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		excluded[t] = true
	}

	for _, p := range r.Providers() {
		if excluded[p.Type] {
			continue
		}
		if !r.monitor.Healthy(p.Type) {
			continue
		}
		if !r.breaker.AllowRequest(p.Type) {
			r.logger.Debug("provider blocked by circuit",
				zap.String("provider", p.Type))
			continue
		}
		return p, nil
	}
	return nil, apperrors.NoHealthyProviders()
}

// ForceHealthRefresh drops the health cache and re-probes immediately.
// Refresh is write-through, so callers after this see the new sweep.
func (r *Router) ForceHealthRefresh(ctx context.Context) {
	r.monitor.Invalidate()
	r.monitor.Refresh(ctx)
}

// ReloadProviders rebuilds the provider list from configuration and
// refreshes health for the new set.
func (r *Router) ReloadProviders(ctx context.Context, cfgs []config.ProviderConfig) {
	providers := provider.FromConfig(cfgs)
	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()

	r.monitor.SetProviders(providers)
	r.monitor.Refresh(ctx)
	r.logger.Info("providers reloaded", zap.Int("count", len(providers)))
}
