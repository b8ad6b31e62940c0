// Package worktree manages the git working copies issues execute in. Each
// issue gets one working copy under a standard path; operations for the
// same issue are serialized behind a keyed lock.
package worktree

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Mode selects how the working copy is materialized.
type Mode string

const (
	// ModeFresh wipes any existing copy and checks out the base branch head.
	ModeFresh Mode = "fresh"
	// ModeReuse returns an existing clean copy, failing on a dirty one.
	ModeReuse Mode = "reuse"
	// ModeBranchPerIssue pins the copy to a branch derived from the issue id.
	ModeBranchPerIssue Mode = "branch-per-issue"
)

// ParseMode validates a configured mode string, defaulting to fresh.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFresh, ModeReuse, ModeBranchPerIssue:
		return Mode(s), nil
	case "":
		return ModeFresh, nil
	default:
		return "", errors.New("unknown worktree mode: " + s)
	}
}

var (
	// ErrExists is returned when a creation races a live working copy.
	ErrExists = errors.New("worktree already exists for issue")

	// ErrBusy is returned in reuse mode when the existing copy is dirty.
	ErrBusy = errors.New("worktree has uncommitted changes")
)

// Info describes one materialized working copy.
type Info struct {
	IssueID    string    `json:"issueId"`
	RepoPath   string    `json:"repoPath"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch"`
	CreatedAt  time.Time `json:"createdAt"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitize maps an identifier to a filesystem- and ref-safe token.
func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-.")
}

// BranchName derives the deterministic per-issue branch name. The optional
// slug makes the branch readable; it does not affect uniqueness.
func BranchName(issueID, slug string) string {
	name := "issuepilot/" + strings.ToLower(sanitize(issueID))
	if slug != "" {
		name += "-" + strings.ToLower(sanitize(slug))
	}
	return name
}
