package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/store"
)

// fakeProber answers probes from a per-type table.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	probes  int
}

func (f *fakeProber) Probe(_ context.Context, p *provider.Provider) ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if res, ok := f.results[p.Type]; ok {
		return res
	}
	return ProbeResult{Healthy: true, Latency: 10 * time.Millisecond}
}

func (f *fakeProber) set(providerType string, res ProbeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[providerType] = res
}

func twoProviders() []*provider.Provider {
	return []*provider.Provider{
		{Type: "anthropic", Name: "Claude", Priority: 1, Endpoint: "https://api.anthropic.invalid"},
		{Type: "openai", Priority: 2, Endpoint: "https://api.openai.invalid"},
	}
}

func newTestMonitor(t *testing.T, clk clock.Clock, prober Prober, opts ...Option) *Monitor {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return NewMonitor(st, clk, logger.Default(), prober, twoProviders(), opts...)
}

func TestRefreshPopulatesCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &fakeProber{results: map[string]ProbeResult{
		"openai": {Healthy: false, Err: "provider returned 503"},
	}}
	m := newTestMonitor(t, clk, prober)

	require.False(t, m.Fresh())
	m.Refresh(context.Background())

	assert.True(t, m.Fresh())
	assert.True(t, m.Healthy("anthropic"))
	assert.False(t, m.Healthy("openai"))

	snap := m.Snapshot()
	require.Contains(t, snap, "openai")
	assert.Equal(t, "provider returned 503", snap["openai"].LastError)
	assert.Equal(t, 1, snap["openai"].ConsecutiveErrors)
	assert.Equal(t, "Claude", snap["anthropic"].Name)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &fakeProber{results: map[string]ProbeResult{}}
	m := newTestMonitor(t, clk, prober, WithCacheTTL(30*time.Second))

	m.Refresh(context.Background())
	require.True(t, m.Fresh())

	clk.Advance(29 * time.Second)
	assert.True(t, m.Fresh())
	clk.Advance(2 * time.Second)
	assert.False(t, m.Fresh())

	m.Invalidate()
	assert.False(t, m.Fresh())
}

func TestDegradedAfterConsecutiveErrors(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &fakeProber{results: map[string]ProbeResult{
		"openai": {Healthy: false, Err: "connection refused"},
	}}
	m := newTestMonitor(t, clk, prober)

	m.Refresh(context.Background())
	m.Refresh(context.Background())
	assert.False(t, m.Degraded("openai"))

	m.Refresh(context.Background())
	assert.True(t, m.Degraded("openai"))

	// Recovery resets the streak.
	prober.set("openai", ProbeResult{Healthy: true})
	m.Refresh(context.Background())
	assert.False(t, m.Degraded("openai"))
	assert.True(t, m.Healthy("openai"))
}

func TestChangeHookFiresOnFlips(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &fakeProber{results: map[string]ProbeResult{}}

	type flip struct {
		providerType string
		healthy      bool
	}
	var flips []flip
	m := newTestMonitor(t, clk, prober, WithChangeHook(func(providerType string, healthy bool) {
		flips = append(flips, flip{providerType, healthy})
	}))

	// The first sweep establishes a baseline without firing.
	m.Refresh(context.Background())
	assert.Empty(t, flips)

	prober.set("openai", ProbeResult{Healthy: false, Err: "boom"})
	m.Refresh(context.Background())
	require.Len(t, flips, 1)
	assert.Equal(t, flip{"openai", false}, flips[0])

	// No flip, no hook.
	m.Refresh(context.Background())
	assert.Len(t, flips, 1)

	prober.set("openai", ProbeResult{Healthy: true})
	m.Refresh(context.Background())
	require.Len(t, flips, 2)
	assert.Equal(t, flip{"openai", true}, flips[1])
}

func TestStatusDocPersisted(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(dir)
	require.NoError(t, err)
	prober := &fakeProber{results: map[string]ProbeResult{}}
	m := NewMonitor(st, clk, logger.Default(), prober, twoProviders())

	m.Refresh(context.Background())

	var persisted map[string]Status
	require.NoError(t, st.Get(statusDoc, &persisted))
	assert.Len(t, persisted, 2)
	assert.True(t, persisted["anthropic"].Healthy)
}

func TestSetProvidersInvalidatesCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	prober := &fakeProber{results: map[string]ProbeResult{}}
	m := newTestMonitor(t, clk, prober)

	m.Refresh(context.Background())
	require.True(t, m.Fresh())

	m.SetProviders([]*provider.Provider{{Type: "opencode", Priority: 1}})
	assert.False(t, m.Fresh())
}
