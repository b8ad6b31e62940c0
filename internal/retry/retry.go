// Package retry wraps fallible provider calls with classification-aware
// exponential backoff. Errors never escape the boundary; callers receive a
// result record and branch on it.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
)

// Defaults for the backoff schedule.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Config tunes one retry loop.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// ExtraRetryable supplements the built-in retryable phrases.
	ExtraRetryable []string
}

// DefaultConfig returns the standard schedule.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// HealthRefresher re-probes provider health after exhaustion.
type HealthRefresher interface {
	ForceHealthRefresh(ctx context.Context)
}

// Result records everything that happened inside one retry loop.
type Result struct {
	Success    bool
	Attempts   int
	WasRetried bool
	Delays     []time.Duration
	Duration   time.Duration
	LastErr    error
}

// Runner owns the dependencies shared by every retry loop.
type Runner struct {
	clock  clock.Clock
	logger *logger.Logger
	// router is optional; nil disables the exhaustion refresh.
	router HealthRefresher
}

// NewRunner creates a Runner. router may be nil.
func NewRunner(clk clock.Clock, log *logger.Logger, router HealthRefresher) *Runner {
	return &Runner{
		clock:  clk,
		logger: log.WithFields(zap.String("component", "retry")),
		router: router,
	}
}

// Do runs fn up to 1+MaxRetries times, backing off between attempts.
// provider names the provider being called, for logging and the
// exhaustion health refresh; empty skips the refresh.
func (r *Runner) Do(ctx context.Context, provider string, cfg Config, fn func(ctx context.Context) error) Result {
	cfg = cfg.withDefaults()
	start := r.clock.Now()
	res := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		err := fn(ctx)
		if err == nil {
			res.Success = true
			break
		}
		res.LastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if Classify(err, cfg.ExtraRetryable) != ClassRetryable {
			r.logger.Debug("error not retryable, aborting",
				zap.String("provider", provider),
				zap.Error(err))
			break
		}

		delay := r.backoff(cfg, attempt, err)
		res.Delays = append(res.Delays, delay)
		res.WasRetried = true
		r.logger.Info("retrying after backoff",
			zap.String("provider", provider),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := r.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}

	res.Duration = r.clock.Now().Sub(start)

	if !res.Success && res.WasRetried && provider != "" && r.router != nil {
		r.logger.Warn("retries exhausted, forcing health refresh",
			zap.String("provider", provider),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.LastErr))
		r.router.ForceHealthRefresh(ctx)
	}
	return res
}

// backoff computes the next delay, honoring any server hint up to MaxDelay.
func (r *Runner) backoff(cfg Config, attempt int, err error) time.Duration {
	if hint, ok := serverHint(err); ok {
		if hint > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return hint
	}
	d := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// serverHint extracts a wait hint from a structured error or its message.
func serverHint(err error) (time.Duration, bool) {
	if d, ok := apperrors.RetryAfterHint(err); ok && d > 0 {
		return d, true
	}
	return messageHint(err.Error())
}
