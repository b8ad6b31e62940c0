// Package reporter folds a finished session back into the upstream
// tracker: workflow state, outcome label and a human-readable comment.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/session"
	"github.com/issuepilot/issuepilot/internal/tracker"
)

// Tracker-side vocabulary for outcomes.
const (
	stateDone     = "Done"
	stateCanceled = "Canceled"
	labelExecuted = "executed"
	labelFailed   = "failed"

	// maxStackChars bounds the failure detail included in a comment.
	maxStackChars = 1500
	truncatedMark = "...(truncated)"
)

// Reporter posts session outcomes to the tracker.
type Reporter struct {
	tracker tracker.Client
	clock   clock.Clock
	logger  *logger.Logger
}

// New creates a Reporter.
func New(tc tracker.Client, clk clock.Clock, log *logger.Logger) *Reporter {
	return &Reporter{
		tracker: tc,
		clock:   clk,
		logger:  log.WithFields(zap.String("component", "reporter")),
	}
}

// Report maps the session's terminal state to tracker side effects. The
// state update must land first; label and comment then run concurrently,
// with partial failures logged but not propagated.
func (r *Reporter) Report(ctx context.Context, sess *session.Session) error {
	state, label, comment := r.render(sess)

	if err := r.tracker.UpdateIssueState(ctx, sess.IssueID, state); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.tracker.AddLabel(gctx, sess.IssueID, label); err != nil {
			r.logger.Warn("failed to add outcome label",
				zap.String("issue_id", sess.IssueID),
				zap.String("label", label),
				zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := r.tracker.CreateComment(gctx, sess.IssueID, comment); err != nil {
			r.logger.Warn("failed to post outcome comment",
				zap.String("issue_id", sess.IssueID),
				zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	r.logger.Info("outcome reported",
		zap.String("issue_id", sess.IssueID),
		zap.String("state", state))
	return nil
}

func (r *Reporter) render(sess *session.Session) (state, label, comment string) {
	if sess.State == session.StateDone {
		return stateDone, labelExecuted, r.successComment(sess)
	}
	return stateCanceled, labelFailed, r.failureComment(sess)
}

func (r *Reporter) successComment(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue resolved in %s using %s.\n",
		formatDuration(sess.Duration(r.clock.Now())), sess.Provider)

	if len(sess.Commits) > 0 {
		b.WriteString("\nCommits:\n")
		for _, c := range sess.Commits {
			fmt.Fprintf(&b, "- `%s` %s\n", shortSHA(c.SHA), c.Message)
		}
	}
	if len(sess.FilesTouched) > 0 {
		b.WriteString("\nModified files:\n")
		for _, f := range sess.FilesTouched {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	fmt.Fprintf(&b, "\nWorktree: `%s`\n", sess.WorktreePath)
	return b.String()
}

func (r *Reporter) failureComment(sess *session.Session) string {
	var b strings.Builder
	b.WriteString("Execution failed.\n\n")
	fmt.Fprintf(&b, "```\n%s\n```\n", truncate(sess.Error, maxStackChars))
	fmt.Fprintf(&b, "\nWorktree retained for inspection: `%s`\n", sess.WorktreePath)
	return b.String()
}

// truncate caps s at limit characters, appending the sentinel when cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncatedMark
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// formatDuration renders as "1h 2m 3s", omitting leading zero fields.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
