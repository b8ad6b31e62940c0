package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/store"
)

func newTestManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	m, err := NewManager(st, clk, logger.Default())
	require.NoError(t, err)
	return m
}

func TestCreatePersistsStarted(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	sess, err := m.Create(Config{IssueID: "ABC-7", Identifier: "ABC-7"})
	require.NoError(t, err)
	assert.Equal(t, StateStarted, sess.State)

	loaded, err := m.Get("ABC-7")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, loaded.State)
	assert.Equal(t, CleanupDeleteWorktree, loaded.Policy)
}

func TestCreateRejectsDuplicateWhileLive(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-7"})
	require.NoError(t, err)

	_, err = m.Create(Config{IssueID: "ABC-7"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// A terminal session releases the slot.
	_, err = m.Fail("ABC-7", "boom")
	require.NoError(t, err)
	_, err = m.Create(Config{IssueID: "ABC-7"})
	assert.NoError(t, err)
}

func TestLifecycleTransitions(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-7"})
	require.NoError(t, err)

	sess, err := m.TrackProcess("ABC-7", 4242)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, sess.State)
	assert.Equal(t, 4242, sess.PID)

	commits := []Commit{{SHA: "abcdef1234", Message: "ABC-7 fix"}}
	sess, err = m.Complete("ABC-7", "executed", commits, []string{"main.go"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State)
	assert.Equal(t, commits, sess.Commits)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-7"})
	require.NoError(t, err)
	_, err = m.Complete("ABC-7", "executed", nil, nil)
	require.NoError(t, err)

	sess, err := m.Fail("ABC-7", "late failure")
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State)
	assert.Empty(t, sess.Error)

	sess, err = m.TrackProcess("ABC-7", 99)
	require.NoError(t, err)
	assert.Equal(t, StateDone, sess.State)
}

func TestLiveIssueIDs(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-1"})
	require.NoError(t, err)
	_, err = m.Create(Config{IssueID: "ABC-2"})
	require.NoError(t, err)
	_, err = m.Fail("ABC-2", "boom")
	require.NoError(t, err)

	live, err := m.LiveIssueIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC-1"}, live)
	assert.True(t, m.HasLive("ABC-1"))
	assert.False(t, m.HasLive("ABC-2"))
}

func TestArchivePolicyAndPrune(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-7", Policy: CleanupArchive})
	require.NoError(t, err)
	_, err = m.Complete("ABC-7", "executed", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Close("ABC-7"))
	_, err = m.Get("ABC-7")
	assert.Error(t, err)

	// Within retention nothing is pruned.
	pruned, err := m.PruneArchive()
	require.NoError(t, err)
	assert.Zero(t, pruned)

	clk.Advance(8 * 24 * time.Hour)
	pruned, err = m.PruneArchive()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestArchiveKeepsOneRecordPerRun(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	_, err := m.Create(Config{IssueID: "ABC-1", Policy: CleanupArchive})
	require.NoError(t, err)
	_, err = m.Fail("ABC-1", "boom")
	require.NoError(t, err)
	require.NoError(t, m.Close("ABC-1"))

	// A later re-execution of the same issue must not overwrite the
	// archived record of the first run.
	clk.Advance(time.Hour)
	_, err = m.Create(Config{IssueID: "ABC-1", Policy: CleanupArchive})
	require.NoError(t, err)
	_, err = m.Complete("ABC-1", "executed", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close("ABC-1"))

	ids, err := m.archive.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.Regexp(t, `^ABC-1_\d+$`, id)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)

	assert.NoError(t, m.Close("missing"))

	_, err := m.Create(Config{IssueID: "ABC-7", Policy: CleanupRetain})
	require.NoError(t, err)
	_, err = m.Complete("ABC-7", "executed", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, m.Close("ABC-7"))
	assert.NoError(t, m.Close("ABC-7"))
}
