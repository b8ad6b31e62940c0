// Package health probes provider endpoints on a cadence and caches the
// results. The router consults the cache; a durable status document keeps
// the last sweep visible across restarts.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/store"
)

// Defaults per the product's health policy.
const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	DefaultCacheTTL     = 30 * time.Second

	// unhealthyAfter is the consecutive-error count that flips a provider
	// to unhealthy for external consumers.
	unhealthyAfter = 3
)

// statusDoc is the persisted document id under the providers store.
const statusDoc = "status"

// Status is the cached health record for one provider.
type Status struct {
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Healthy           bool      `json:"healthy"`
	LastCheck         time.Time `json:"lastCheck"`
	LatencyMs         int64     `json:"latencyMs"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
}

// ChangeHook observes healthy-flag flips (metrics, events).
type ChangeHook func(providerType string, healthy bool)

// Monitor owns the health cache and the periodic sweep.
type Monitor struct {
	store  *store.Store
	clock  clock.Clock
	logger *logger.Logger
	prober Prober

	interval time.Duration
	ttl      time.Duration
	hook     ChangeHook

	mu        sync.RWMutex
	providers []*provider.Provider
	cache     map[string]*Status
	cachedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithCacheTTL overrides how long a sweep result stays fresh.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Monitor) { m.ttl = d }
}

// WithChangeHook registers a hook fired when a provider's healthy flag flips.
func WithChangeHook(hook ChangeHook) Option {
	return func(m *Monitor) { m.hook = hook }
}

// NewMonitor creates a Monitor over the given providers.
func NewMonitor(st *store.Store, clk clock.Clock, log *logger.Logger, prober Prober, providers []*provider.Provider, opts ...Option) *Monitor {
	m := &Monitor{
		store:     st,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "health-monitor")),
		prober:    prober,
		interval:  DefaultInterval,
		ttl:       DefaultCacheTTL,
		providers: providers,
		cache:     make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetProviders swaps the probed provider set (config reload). The cache is
// invalidated so the next selection re-probes.
func (m *Monitor) SetProviders(providers []*provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = providers
	m.cachedAt = time.Time{}
}

// Fresh reports whether the cache holds a sweep younger than the TTL.
func (m *Monitor) Fresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cachedAt.IsZero() {
		return false
	}
	return m.clock.Now().Sub(m.cachedAt) < m.ttl
}

// Invalidate marks the cache cold so the next read triggers a refresh.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cachedAt = time.Time{}
}

// Healthy returns the cached healthy flag for a provider type.
func (m *Monitor) Healthy(providerType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[providerType]
	return ok && s.Healthy
}

// Snapshot returns a copy of every cached status record.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.cache))
	for k, v := range m.cache {
		out[k] = *v
	}
	return out
}

// Refresh probes every provider concurrently and writes the results
// through to the cache and the durable status document before returning,
// so a read after Refresh always sees the new sweep.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	providers := make([]*provider.Provider, len(m.providers))
	copy(providers, m.providers)
	m.mu.RUnlock()

	results := make([]ProbeResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			results[i] = m.prober.Probe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	now := m.clock.Now()
	var flips []struct {
		providerType string
		healthy      bool
	}

	m.mu.Lock()
	for i, p := range providers {
		res := results[i]
		s, ok := m.cache[p.Type]
		if !ok {
			s = &Status{Name: p.DisplayName(), Type: p.Type}
			m.cache[p.Type] = s
		}
		wasHealthy := ok && s.Healthy

		s.Name = p.DisplayName()
		s.LastCheck = now
		s.LatencyMs = res.Latency.Milliseconds()
		if res.Healthy {
			s.Healthy = true
			s.LastError = ""
			s.ConsecutiveErrors = 0
		} else {
			s.ConsecutiveErrors++
			s.LastError = res.Err
			s.Healthy = false
		}

		if ok && wasHealthy != s.Healthy {
			flips = append(flips, struct {
				providerType string
				healthy      bool
			}{p.Type, s.Healthy})
			m.logger.Info("provider health changed",
				zap.String("provider", p.Type),
				zap.Bool("healthy", s.Healthy),
				zap.String("error", s.LastError))
		}
	}
	m.cachedAt = now
	snapshot := make(map[string]Status, len(m.cache))
	for k, v := range m.cache {
		snapshot[k] = *v
	}
	m.mu.Unlock()

	if err := m.store.Put(statusDoc, snapshot); err != nil {
		m.logger.Error("failed to persist provider status", zap.Error(err))
	}
	if m.hook != nil {
		for _, f := range flips {
			m.hook(f.providerType, f.healthy)
		}
	}
}

// Degraded reports whether a provider has failed enough consecutive probes
// to be considered unhealthy by external consumers.
func (m *Monitor) Degraded(providerType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[providerType]
	return ok && s.ConsecutiveErrors >= unhealthyAfter
}

// Start launches the periodic sweep. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.Refresh(ctx)
			}
		}
	}()
	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the periodic sweep.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
}
