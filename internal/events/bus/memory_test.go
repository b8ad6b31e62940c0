package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("issue.execute", rec.handle)
	require.NoError(t, err)

	event := NewEvent("issue.execute", "test", map[string]any{"identifier": "ABC-7"})
	require.NoError(t, b.Publish(context.Background(), "issue.execute", event))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubjectsAreIsolated(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	completed := &recorder{}
	_, err := b.Subscribe("session.completed", completed.handle)
	require.NoError(t, err)
	failed := &recorder{}
	_, err = b.Subscribe("session.failed", failed.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "session.completed",
		NewEvent("session.completed", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "issue.execute",
		NewEvent("issue.execute", "test", nil)))

	assert.Eventually(t, func() bool { return completed.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, failed.count())
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	a := &recorder{}
	c := &recorder{}
	_, err := b.QueueSubscribe("issue.execute", "orchestrator", a.handle)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("issue.execute", "orchestrator", c.handle)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "issue.execute",
			NewEvent("issue.execute", "test", nil)))
	}

	// Round-robin across the group: one delivery per publish.
	assert.Eventually(t, func() bool { return a.count()+c.count() == 4 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, c.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe("issue.execute", rec.handle)
	require.NoError(t, err)
	require.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "issue.execute",
		NewEvent("issue.execute", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	require.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "issue.execute",
		NewEvent("issue.execute", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("issue.execute", (&recorder{}).handle)
	assert.Error(t, err)
}
