// Package orchestrator runs the execution pipeline for one issue: route,
// acquire the issue slot, open a session, materialize a worktree, execute
// with retry and provider failover, verify, report, clean up.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/events"
	"github.com/issuepilot/issuepilot/internal/events/bus"
	"github.com/issuepilot/issuepilot/internal/executor"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/orchestrator/routing"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/provider/breaker"
	"github.com/issuepilot/issuepilot/internal/provider/router"
	"github.com/issuepilot/issuepilot/internal/reporter"
	"github.com/issuepilot/issuepilot/internal/session"
	"github.com/issuepilot/issuepilot/internal/tracker"
	"github.com/issuepilot/issuepilot/internal/worktree"
)

// Defaults for provider failover.
const (
	DefaultMaxAttempts = 3
	// switchDelayUnit is multiplied by the attempt number between
	// provider switches.
	switchDelayUnit = 1 * time.Second
)

// Orchestrator wires the pipeline's collaborators together.
type Orchestrator struct {
	routing   *routing.Engine
	router    *router.Router
	breaker   *breaker.Breaker
	sessions  *session.Manager
	worktrees *worktree.Manager
	executor  *executor.Executor
	reporter  *reporter.Reporter
	tracker   tracker.Client
	bus       bus.EventBus
	clock     clock.Clock
	logger    *logger.Logger

	maxAttempts     int
	execTimeout     time.Duration
	policy          session.CleanupPolicy
	defaultProvider string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sub bus.Subscription
}

// Options tunes the pipeline.
type Options struct {
	MaxAttempts      int
	ExecutionTimeout time.Duration
	CleanupPolicy    session.CleanupPolicy
	// DefaultProvider, when set, is tried first unless the issue carries
	// its own provider override.
	DefaultProvider string
}

// New creates an Orchestrator.
func New(
	routingEngine *routing.Engine,
	providerRouter *router.Router,
	brk *breaker.Breaker,
	sessions *session.Manager,
	worktrees *worktree.Manager,
	exec *executor.Executor,
	rep *reporter.Reporter,
	tc tracker.Client,
	eventBus bus.EventBus,
	clk clock.Clock,
	log *logger.Logger,
	opts Options,
) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = executor.DefaultTimeout
	}
	if opts.CleanupPolicy == "" {
		opts.CleanupPolicy = session.CleanupDeleteWorktree
	}
	return &Orchestrator{
		routing:         routingEngine,
		router:          providerRouter,
		breaker:         brk,
		sessions:        sessions,
		worktrees:       worktrees,
		executor:        exec,
		reporter:        rep,
		tracker:         tc,
		bus:             eventBus,
		clock:           clk,
		logger:          log.WithFields(zap.String("component", "orchestrator")),
		maxAttempts:     opts.MaxAttempts,
		execTimeout:     opts.ExecutionTimeout,
		policy:          opts.CleanupPolicy,
		defaultProvider: opts.DefaultProvider,
		locks:           make(map[string]*sync.Mutex),
	}
}

// Start subscribes to the execute queue so webhook and poller hand-offs
// are consumed by exactly one orchestrator worker.
func (o *Orchestrator) Start(ctx context.Context) error {
	sub, err := o.bus.QueueSubscribe(events.IssueExecute, events.OrchestratorQueue,
		func(ctx context.Context, event *bus.Event) error {
			identifier, _ := event.Data["identifier"].(string)
			if identifier == "" {
				o.logger.Warn("execute event without identifier", zap.String("event_id", event.ID))
				return nil
			}
			issue, err := o.tracker.GetIssue(ctx, identifier)
			if err != nil {
				o.logger.Error("failed to fetch issue for execution",
					zap.String("identifier", identifier),
					zap.Error(err))
				return err
			}
			return o.ProcessIssue(ctx, issue)
		})
	if err != nil {
		return err
	}
	o.sub = sub
	return nil
}

// Stop tears down the queue subscription.
func (o *Orchestrator) Stop() {
	if o.sub != nil {
		_ = o.sub.Unsubscribe()
		o.sub = nil
	}
}

// issueLock returns the status lock for one issue identifier.
func (o *Orchestrator) issueLock(identifier string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	if l, ok := o.locks[identifier]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.locks[identifier] = l
	return l
}

// ProcessIssue runs the full pipeline for one issue.
func (o *Orchestrator) ProcessIssue(ctx context.Context, issue *tracker.Issue) error {
	log := o.logger.WithFields(zap.String("issue", issue.Identifier))

	route, err := o.routing.Resolve(issue)
	if err != nil {
		log.Warn("no route for issue", zap.Error(err))
		return err
	}
	override := routing.ParseOverride(issue.Description)

	lock := o.issueLock(issue.Identifier)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.sessions.Create(session.Config{
		IssueID:    issue.Identifier,
		Identifier: issue.Identifier,
		RepoID:     route.RepoID,
		Policy:     o.policy,
	})
	if err != nil {
		if err == session.ErrDuplicate {
			log.Info("live session exists, skipping")
			return nil
		}
		return err
	}
	o.publish(ctx, events.SessionStarted, issue.Identifier, nil)

	wt, err := o.worktrees.Create(ctx, issue.Identifier, route.RepoPath, route.BaseBranch, route.Mode, slug(issue.Title))
	if err != nil {
		return o.failAndReport(ctx, issue.Identifier, fmt.Sprintf("worktree creation failed: %v", err))
	}
	if _, err := o.sessions.Update(issue.Identifier, func(s *session.Session) {
		s.WorktreePath = wt.Path
	}); err != nil {
		log.Warn("failed to record worktree path", zap.Error(err))
	}
	if _, err := o.sessions.TrackProcess(issue.Identifier, os.Getpid()); err != nil {
		log.Warn("failed to track process", zap.Error(err))
	}

	result, usedProvider, execErr := o.executeWithFailover(ctx, issue, wt, override, log)
	if execErr != nil {
		o.cleanupWorktree(ctx, issue.Identifier, false, log)
		return o.failAndReport(ctx, issue.Identifier, execErr.Error())
	}

	if _, err := o.sessions.Update(issue.Identifier, func(s *session.Session) {
		s.Provider = usedProvider.Type
	}); err != nil {
		log.Warn("failed to record provider", zap.Error(err))
	}

	if err := o.verify(ctx, issue.Identifier, wt.Path, result); err != nil {
		o.cleanupWorktree(ctx, issue.Identifier, false, log)
		return o.failAndReport(ctx, issue.Identifier, err.Error())
	}

	sess, err = o.sessions.Complete(issue.Identifier, "executed", result.Commits, result.FilesTouched)
	if err != nil {
		return err
	}
	o.publish(ctx, events.SessionCompleted, issue.Identifier, map[string]any{
		"provider": usedProvider.Type,
		"commits":  len(result.Commits),
	})
	metrics.SessionsClosed.WithLabelValues("done").Inc()

	if err := o.reporter.Report(ctx, sess); err != nil {
		log.Error("failed to report outcome", zap.Error(err))
	}
	o.cleanupWorktree(ctx, issue.Identifier, true, log)
	if err := o.sessions.Close(issue.Identifier); err != nil {
		log.Warn("failed to apply session cleanup policy", zap.Error(err))
	}

	log.Info("issue processed",
		zap.String("provider", usedProvider.Type),
		zap.Int("commits", len(result.Commits)))
	return nil
}

// executeWithFailover tries up to maxAttempts providers, linearly backing
// off between switches. Each attempt is internally retried by the
// executor; exhaustion here means the provider is recorded as failed.
func (o *Orchestrator) executeWithFailover(
	ctx context.Context,
	issue *tracker.Issue,
	wt *worktree.Info,
	override routing.Override,
	log *logger.Logger,
) (*executor.Result, *provider.Provider, error) {
	tried := make([]string, 0, o.maxAttempts)
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		p, err := o.pickProvider(ctx, override, attempt, tried)
		if err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}

		log.Info("executing",
			zap.Int("attempt", attempt),
			zap.String("provider", p.Type))

		result, err := o.executor.Execute(ctx, p, executor.Request{
			Prompt:       prompt(issue),
			IssueID:      issue.Identifier,
			SessionID:    issue.Identifier,
			WorktreePath: wt.Path,
			Timeout:      o.execTimeout,
			Model:        override.Model,
		})
		if err == nil {
			o.breaker.RecordSuccess(p.Type)
			return result, p, nil
		}

		o.breaker.RecordFailure(p.Type)
		lastErr = err
		tried = append(tried, p.Type)

		if ctx.Err() != nil {
			break
		}
		log.Warn("provider attempt failed",
			zap.Int("attempt", attempt),
			zap.String("provider", p.Type),
			zap.Error(err))

		if attempt < o.maxAttempts {
			if err := o.clock.Sleep(ctx, time.Duration(attempt)*switchDelayUnit); err != nil {
				break
			}
		}
	}
	return nil, nil, lastErr
}

// pickProvider honors a provider override, or the configured default, on
// the first attempt when its breaker permits, then falls back to router
// priority order.
func (o *Orchestrator) pickProvider(ctx context.Context, override routing.Override, attempt int, tried []string) (*provider.Provider, error) {
	if attempt == 1 {
		preferred := override.Provider
		if preferred == "" {
			preferred = o.defaultProvider
		}
		if preferred != "" {
			if p := provider.ByType(o.router.Providers(), preferred); p != nil {
				if o.breaker.AllowRequest(p.Type) {
					return p, nil
				}
				o.logger.Warn("preferred provider blocked by circuit",
					zap.String("provider", preferred))
			}
		}
	}
	return o.router.SelectProvider(ctx, tried...)
}

// verify accepts the result only when a commit references the issue and
// the working copy is clean. Verification failures are never retried.
func (o *Orchestrator) verify(ctx context.Context, identifier, worktreePath string, result *executor.Result) error {
	referenced := false
	for _, c := range result.Commits {
		if strings.Contains(c.Message, identifier) {
			referenced = true
			break
		}
	}
	if !referenced {
		return apperrors.VerificationFailed(
			fmt.Sprintf("no commit references %s", identifier))
	}

	clean, err := worktree.IsClean(ctx, worktreePath)
	if err != nil {
		return apperrors.VerificationFailed(fmt.Sprintf("clean check failed: %v", err))
	}
	if !clean {
		return apperrors.VerificationFailed("working copy has uncommitted changes")
	}
	return nil
}

// failAndReport closes the session as ERROR and reports the failure.
func (o *Orchestrator) failAndReport(ctx context.Context, identifier, errMsg string) error {
	sess, err := o.sessions.Fail(identifier, errMsg)
	if err != nil {
		return err
	}
	o.publish(ctx, events.SessionFailed, identifier, map[string]any{"error": errMsg})
	metrics.SessionsClosed.WithLabelValues("error").Inc()
	if err := o.reporter.Report(ctx, sess); err != nil {
		o.logger.Error("failed to report failure",
			zap.String("issue", identifier),
			zap.Error(err))
	}
	if err := o.sessions.Close(identifier); err != nil {
		o.logger.Warn("failed to apply session cleanup policy",
			zap.String("issue", identifier),
			zap.Error(err))
	}
	return apperrors.SessionFailed(errMsg, nil)
}

func (o *Orchestrator) cleanupWorktree(ctx context.Context, identifier string, succeeded bool, log *logger.Logger) {
	remove := succeeded && o.policy == session.CleanupDeleteWorktree
	if err := o.worktrees.Cleanup(ctx, identifier, remove); err != nil {
		log.Warn("worktree cleanup failed", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType, identifier string, extra map[string]any) {
	data := map[string]any{"identifier": identifier}
	for k, v := range extra {
		data[k] = v
	}
	if err := o.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Debug("event publish failed",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// prompt renders the user prompt from the issue content.
func prompt(issue *tracker.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve issue %s: %s\n", issue.Identifier, issue.Title)
	if issue.Description != "" {
		b.WriteString("\n")
		b.WriteString(issue.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// slug derives a short branch-friendly token from the issue title.
func slug(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	fields := strings.Fields(title)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, "-")
}
