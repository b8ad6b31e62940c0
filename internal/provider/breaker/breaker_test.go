package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/store"
)

func newTestBreaker(t *testing.T, clk clock.Clock) *Breaker {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	b, err := New(st, clk, logger.Default())
	require.NoError(t, err)
	return b
}

func TestAllowsWhileClosed(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, clk)

	assert.True(t, b.AllowRequest("anthropic"))
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("anthropic")
	}
	assert.True(t, b.AllowRequest("anthropic"))
	assert.Equal(t, StateClosed, b.State("anthropic").State)
}

func TestOpensAtThreshold(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	b := newTestBreaker(t, clk)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}

	state := b.State("anthropic")
	assert.Equal(t, StateOpen, state.State)
	require.NotNil(t, state.NextRetryAt)
	assert.Equal(t, start.Add(DefaultSleepWindow), *state.NextRetryAt)
	assert.False(t, b.AllowRequest("anthropic"))
}

func TestHalfOpenPromotionAndTrialBudget(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, clk)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}
	assert.False(t, b.AllowRequest("anthropic"))

	clk.Advance(DefaultSleepWindow)

	// Crossing nextRetryAt admits trials up to the half-open budget.
	assert.True(t, b.AllowRequest("anthropic"))
	assert.Equal(t, StateHalfOpen, b.State("anthropic").State)
	assert.True(t, b.AllowRequest("anthropic"))
	assert.False(t, b.AllowRequest("anthropic"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, clk)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}
	clk.Advance(DefaultSleepWindow)
	require.True(t, b.AllowRequest("anthropic"))

	b.RecordFailure("anthropic")
	state := b.State("anthropic")
	assert.Equal(t, StateOpen, state.State)
	assert.False(t, b.AllowRequest("anthropic"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, clk)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}
	clk.Advance(DefaultSleepWindow)
	require.True(t, b.AllowRequest("anthropic"))

	b.RecordSuccess("anthropic")
	state := b.State("anthropic")
	assert.Equal(t, StateClosed, state.State)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.Nil(t, state.NextRetryAt)
	assert.True(t, b.AllowRequest("anthropic"))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(dir)
	require.NoError(t, err)
	b, err := New(st, clk, logger.Default())
	require.NoError(t, err)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}
	require.Equal(t, StateOpen, b.State("anthropic").State)

	st2, err := store.New(dir)
	require.NoError(t, err)
	recovered, err := New(st2, clk, logger.Default())
	require.NoError(t, err)

	assert.Equal(t, StateOpen, recovered.State("anthropic").State)
	assert.False(t, recovered.AllowRequest("anthropic"))
}

func TestTransitionHook(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	type transition struct{ from, to State }
	var seen []transition
	b, err := New(st, clk, logger.Default(),
		WithTransitionHook(func(provider string, from, to State) {
			seen = append(seen, transition{from, to})
		}))
	require.NoError(t, err)

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure("anthropic")
	}
	b.RecordSuccess("anthropic")

	require.Len(t, seen, 2)
	assert.Equal(t, transition{StateClosed, StateOpen}, seen[0])
	assert.Equal(t, transition{StateOpen, StateClosed}, seen[1])
}
