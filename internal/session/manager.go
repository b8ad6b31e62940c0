package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/store"
)

// ErrDuplicate is returned when a live session already holds the issue.
var ErrDuplicate = errors.New("live session already exists for issue")

// archiveRetention is how long archived sessions are kept.
const archiveRetention = 7 * 24 * time.Hour

// Config describes the session to create.
type Config struct {
	IssueID      string
	Identifier   string
	Provider     string
	Model        string
	WorktreePath string
	RepoID       string
	Policy       CleanupPolicy
}

// Manager owns session lifecycle and persistence. Writes for one session
// id are serialized so JSON documents never interleave.
type Manager struct {
	store   *store.Store
	archive *store.Store
	clock   clock.Clock
	logger  *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a Manager over the sessions store.
func NewManager(st *store.Store, clk clock.Clock, log *logger.Logger) (*Manager, error) {
	archive, err := st.Sub("archive")
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:   st,
		archive: archive,
		clock:   clk,
		logger:  log.WithFields(zap.String("component", "session-manager")),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) lock(issueID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if l, ok := m.locks[issueID]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[issueID] = l
	return l
}

// Create starts a new session in STARTED, persisting it before returning.
// Fails with ErrDuplicate while a live session holds the issue.
func (m *Manager) Create(cfg Config) (*Session, error) {
	l := m.lock(cfg.IssueID)
	l.Lock()
	defer l.Unlock()

	if existing, err := m.get(cfg.IssueID); err == nil && existing.Live() {
		return nil, ErrDuplicate
	}

	now := m.clock.Now()
	policy := cfg.Policy
	if policy == "" {
		policy = CleanupDeleteWorktree
	}
	sess := &Session{
		IssueID:      cfg.IssueID,
		Identifier:   cfg.Identifier,
		State:        StateStarted,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		WorktreePath: cfg.WorktreePath,
		RepoID:       cfg.RepoID,
		Policy:       policy,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Put(sess.IssueID, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		zap.String("issue_id", cfg.IssueID),
		zap.String("provider", cfg.Provider))
	return sess, nil
}

// TrackProcess moves the session to IN_PROGRESS and records the worker pid.
func (m *Manager) TrackProcess(issueID string, pid int) (*Session, error) {
	return m.transition(issueID, func(s *Session) error {
		if s.State.Terminal() {
			return nil
		}
		s.State = StateInProgress
		s.PID = pid
		return nil
	})
}

// Update applies mutate to a live session and persists the result.
func (m *Manager) Update(issueID string, mutate func(*Session)) (*Session, error) {
	return m.transition(issueID, func(s *Session) error {
		if s.State.Terminal() {
			return nil
		}
		mutate(s)
		return nil
	})
}

// Complete closes the session as DONE. Calls on a terminal session are
// no-ops.
func (m *Manager) Complete(issueID, reason string, commits []Commit, files []string) (*Session, error) {
	return m.transition(issueID, func(s *Session) error {
		if s.State.Terminal() {
			return nil
		}
		s.State = StateDone
		s.Reason = reason
		s.Commits = commits
		s.FilesTouched = files
		s.CompletedAt = m.clock.Now()
		return nil
	})
}

// Fail closes the session as ERROR. Calls on a terminal session are no-ops.
func (m *Manager) Fail(issueID, errMsg string) (*Session, error) {
	return m.transition(issueID, func(s *Session) error {
		if s.State.Terminal() {
			return nil
		}
		s.State = StateError
		s.Error = errMsg
		s.CompletedAt = m.clock.Now()
		return nil
	})
}

func (m *Manager) transition(issueID string, apply func(*Session) error) (*Session, error) {
	l := m.lock(issueID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.get(issueID)
	if err != nil {
		return nil, err
	}
	before := sess.State
	if err := apply(sess); err != nil {
		return nil, err
	}
	if sess.State == before && before.Terminal() {
		return sess, nil
	}
	sess.UpdatedAt = m.clock.Now()
	if err := m.store.Put(issueID, sess); err != nil {
		return nil, err
	}
	if sess.State != before {
		m.logger.Info("session transition",
			zap.String("issue_id", issueID),
			zap.String("from", string(before)),
			zap.String("to", string(sess.State)))
	}
	return sess, nil
}

// Get returns the persisted session for an issue.
func (m *Manager) Get(issueID string) (*Session, error) {
	l := m.lock(issueID)
	l.Lock()
	defer l.Unlock()
	return m.get(issueID)
}

func (m *Manager) get(issueID string) (*Session, error) {
	var sess Session
	if err := m.store.Get(issueID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// HasLive reports whether a non-terminal session exists for the issue.
func (m *Manager) HasLive(issueID string) bool {
	sess, err := m.Get(issueID)
	return err == nil && sess.Live()
}

// LiveIssueIDs returns every issue id with a non-terminal session.
func (m *Manager) LiveIssueIDs() ([]string, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		var sess Session
		if err := m.store.Get(id, &sess); err != nil {
			continue
		}
		if sess.Live() {
			live = append(live, id)
		}
	}
	return live, nil
}

// Close applies the session's cleanup policy to its own record. The
// caller handles the worktree side of DELETE_WORKTREE.
func (m *Manager) Close(issueID string) error {
	l := m.lock(issueID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.get(issueID)
	if err != nil {
		if apperrors.Code(err) == apperrors.ErrCodeNotFound {
			return nil
		}
		return err
	}

	switch sess.Policy {
	case CleanupArchive:
		// One archive record per run: a re-executed issue must not
		// overwrite the history of the previous execution.
		stamp := sess.CompletedAt
		if stamp.IsZero() {
			stamp = m.clock.Now()
		}
		archiveID := fmt.Sprintf("%s_%d", issueID, stamp.Unix())
		if err := m.archive.Put(archiveID, sess); err != nil {
			return err
		}
		return m.store.Delete(issueID)
	case CleanupRetain:
		return nil
	default:
		// DELETE_WORKTREE keeps the terminal record for dedup history.
		return nil
	}
}

// PruneArchive removes archived sessions older than the retention window.
func (m *Manager) PruneArchive() (int, error) {
	ids, err := m.archive.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-archiveRetention)
	pruned := 0
	for _, id := range ids {
		var sess Session
		if err := m.archive.Get(id, &sess); err != nil {
			continue
		}
		stamp := sess.CompletedAt
		if stamp.IsZero() {
			stamp = sess.UpdatedAt
		}
		if stamp.Before(cutoff) {
			if err := m.archive.Delete(id); err != nil {
				m.logger.Warn("failed to prune archived session",
					zap.String("issue_id", id),
					zap.Error(err))
				continue
			}
			pruned++
		}
	}
	if pruned > 0 {
		m.logger.Info("pruned archived sessions", zap.Int("count", pruned))
	}
	return pruned, nil
}
