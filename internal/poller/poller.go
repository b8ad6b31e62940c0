// Package poller reconciles outstanding tracker issues on a cadence,
// feeding the ones without a live session to the orchestrator.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/session"
	"github.com/issuepilot/issuepilot/internal/tracker"
)

// Defaults for the reconciliation loop.
const (
	DefaultInterval    = 30 * time.Minute
	DefaultMaxInterval = 60 * time.Minute
	DefaultConcurrency = 5

	// rateLimitBuffer pads the server-indicated reset time.
	rateLimitBuffer = time.Minute
)

// ProcessFunc runs the orchestration pipeline for one issue.
type ProcessFunc func(ctx context.Context, issue *tracker.Issue) error

// Config tunes one Poller.
type Config struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Labels      []string
	States      []string
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Poller periodically queries the tracker and dispatches unclaimed issues.
type Poller struct {
	tracker  tracker.Client
	budget   *tracker.Budget
	sessions *session.Manager
	process  ProcessFunc
	clock    clock.Clock
	logger   *logger.Logger
	cfg      Config

	mu          sync.Mutex
	interval    time.Duration
	pausedUntil time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller.
func New(tc tracker.Client, budget *tracker.Budget, sessions *session.Manager, process ProcessFunc, clk clock.Clock, log *logger.Logger, cfg Config) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		tracker:  tc,
		budget:   budget,
		sessions: sessions,
		process:  process,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "poller")),
		cfg:      cfg,
		interval: cfg.Interval,
	}
}

// Start launches the loop. The first cycle runs after one full interval,
// not at startup, so a crash loop cannot hammer the tracker.
func (p *Poller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Strings("labels", p.cfg.Labels))
}

// Stop cancels the loop and waits for in-flight work to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
		p.cancel = nil
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		wait := p.interval
		p.mu.Unlock()

		if err := p.clock.Sleep(ctx, wait); err != nil {
			return
		}
		p.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// cycle runs one reconciliation pass and adjusts the backoff.
func (p *Poller) cycle(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	paused := now.Before(p.pausedUntil)
	until := p.pausedUntil
	p.mu.Unlock()
	if paused {
		metrics.PollerCycles.WithLabelValues("skipped").Inc()
		p.logger.Info("skipping cycle, rate-limit pause active",
			zap.Time("until", until))
		return
	}
	if p.budget != nil && p.budget.Saturated(now) {
		metrics.PollerCycles.WithLabelValues("skipped").Inc()
		p.logger.Info("skipping cycle, tracker budget saturated")
		return
	}

	issues, err := p.tracker.SearchIssues(ctx, tracker.IssueQuery{
		Labels: p.cfg.Labels,
		States: p.cfg.States,
	})
	if err != nil {
		metrics.PollerCycles.WithLabelValues("error").Inc()
		p.onCycleError(err)
		return
	}
	metrics.PollerCycles.WithLabelValues("ok").Inc()

	pending := make([]*tracker.Issue, 0, len(issues))
	for _, issue := range issues {
		if p.sessions.HasLive(issue.Identifier) {
			continue
		}
		pending = append(pending, issue)
	}
	p.logger.Info("cycle",
		zap.Int("matched", len(issues)),
		zap.Int("pending", len(pending)))

	p.dispatch(ctx, pending)

	p.mu.Lock()
	p.interval = p.cfg.Interval
	p.mu.Unlock()
}

// dispatch processes issues in batches of the concurrency limit, checking
// for shutdown between batches. In-flight orchestrations run to
// completion even when the loop is cancelled.
func (p *Poller) dispatch(ctx context.Context, issues []*tracker.Issue) {
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	for start := 0; start < len(issues); start += p.cfg.Concurrency {
		if ctx.Err() != nil {
			return
		}
		end := start + p.cfg.Concurrency
		if end > len(issues) {
			end = len(issues)
		}

		var wg sync.WaitGroup
		for _, issue := range issues[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if err := p.process(context.WithoutCancel(ctx), issue); err != nil {
					p.logger.Warn("issue processing failed",
						zap.String("issue", issue.Identifier),
						zap.Error(err))
				}
			}()
		}
		wg.Wait()
	}
}

// onCycleError doubles the interval up to the cap, or pauses until the
// server-indicated reset on a rate-limit response.
func (p *Poller) onCycleError(err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeRateLimited {
		pause := rateLimitBuffer
		if appErr.RetryAfter > 0 {
			pause = appErr.RetryAfter + rateLimitBuffer
		}
		p.mu.Lock()
		p.pausedUntil = p.clock.Now().Add(pause)
		p.mu.Unlock()
		p.logger.Warn("tracker rate limited, pausing",
			zap.Duration("pause", pause))
		return
	}

	p.mu.Lock()
	p.interval *= 2
	if p.interval > p.cfg.MaxInterval {
		p.interval = p.cfg.MaxInterval
	}
	next := p.interval
	p.mu.Unlock()
	p.logger.Warn("cycle failed, backing off",
		zap.Duration("next_interval", next),
		zap.Error(err))
}
