// Package session tracks the unit of work for one issue on one execution
// attempt, persisting every state transition before it is acknowledged.
package session

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StateStarted    State = "STARTED"
	StateInProgress State = "IN_PROGRESS"
	StateDone       State = "DONE"
	StateError      State = "ERROR"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// CleanupPolicy decides what happens to session artifacts on close.
type CleanupPolicy string

const (
	CleanupDeleteWorktree CleanupPolicy = "DELETE_WORKTREE"
	CleanupArchive        CleanupPolicy = "ARCHIVE_SESSION"
	CleanupRetain         CleanupPolicy = "RETAIN_SESSION"
)

// Commit is a commit produced during the session.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author,omitempty"`
	Date    time.Time `json:"date,omitempty"`
}

// Session is the persisted record for one issue execution.
type Session struct {
	IssueID      string        `json:"issueId"`
	Identifier   string        `json:"identifier,omitempty"`
	State        State         `json:"state"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	WorktreePath string        `json:"worktreePath,omitempty"`
	RepoID       string        `json:"repoId,omitempty"`
	Policy       CleanupPolicy `json:"cleanupPolicy"`

	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	Commits      []Commit  `json:"commits,omitempty"`
	FilesTouched []string  `json:"filesTouched,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
}

// Live reports whether the session still holds its issue's execution slot.
func (s *Session) Live() bool {
	return !s.State.Terminal()
}

// Duration returns how long the session ran, or has been running.
func (s *Session) Duration(now time.Time) time.Duration {
	end := s.CompletedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartedAt)
}
