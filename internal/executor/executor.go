// Package executor drives one chat-completion round against an execution
// provider and applies the returned tool calls inside the issue's working
// copy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/retry"
	"github.com/issuepilot/issuepilot/internal/session"
)

// DefaultTimeout bounds one execution when the request carries none.
const DefaultTimeout = 300 * time.Second

// Request describes one execution.
type Request struct {
	Prompt       string
	IssueID      string
	SessionID    string
	WorktreePath string
	Timeout      time.Duration
	// Model overrides the provider's configured model when set.
	Model string
}

// Result is the outcome of a successful execution.
type Result struct {
	Output       string
	FilesTouched []string
	Commits      []session.Commit
	Duration     time.Duration
}

// RateLimitState holds the provider budget observed on the last response.
type RateLimitState struct {
	Remaining  string
	Limit      string
	ResetAt    string
	RetryAfter string
	ObservedAt time.Time
}

// Executor sends prompts and materializes tool calls.
type Executor struct {
	client *http.Client
	clock  clock.Clock
	logger *logger.Logger
	runner *retry.Runner

	mu        sync.RWMutex
	rateLimit RateLimitState
}

// New creates an Executor. The retry runner carries the router hook for
// exhaustion refreshes.
func New(clk clock.Clock, log *logger.Logger, runner *retry.Runner) *Executor {
	return &Executor{
		// Per-request timeouts come from the context; the client itself
		// stays unbounded.
		client: &http.Client{},
		clock:  clk,
		logger: log.WithFields(zap.String("component", "executor")),
		runner: runner,
	}
}

// RateLimit returns the budget captured on the most recent response.
func (e *Executor) RateLimit() RateLimitState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rateLimit
}

// Execute runs one prompt against the provider, retrying transient
// failures, then applies the returned tool calls in the working copy.
func (e *Executor) Execute(ctx context.Context, p *provider.Provider, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}

	start := e.clock.Now()
	log := e.logger.WithFields(
		zap.String("issue_id", req.IssueID),
		zap.String("provider", p.Type),
		zap.String("model", model))

	var reply *completion
	res := e.runner.Do(ctx, p.Type, retry.DefaultConfig(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		reply, err = e.complete(callCtx, p, model, systemPrompt(req), req.Prompt, toolCatalog)
		return err
	})
	if !res.Success {
		return nil, classify(res.LastErr)
	}

	log.Info("completion received",
		zap.Int("tool_calls", len(reply.ToolCalls)),
		zap.Int("attempts", res.Attempts))

	applied, err := applyToolCalls(ctx, req.WorktreePath, req.IssueID, reply.ToolCalls, log)
	if err != nil {
		return nil, err
	}

	return &Result{
		Output:       reply.Text,
		FilesTouched: applied.files,
		Commits:      applied.commits,
		Duration:     e.clock.Now().Sub(start),
	}, nil
}

// HealthCheck makes a 1-token probe against the provider.
func (e *Executor) HealthCheck(ctx context.Context, p *provider.Provider) (healthy bool, latency time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := e.clock.Now()
	_, err = e.complete(ctx, p, p.Model, "", "ping", nil)
	latency = e.clock.Now().Sub(start)
	return err == nil, latency, err
}

// captureRateLimit records budget headers from a provider response.
func (e *Executor) captureRateLimit(h http.Header) {
	state := RateLimitState{
		RetryAfter: h.Get("Retry-After"),
		ObservedAt: e.clock.Now(),
	}
	for _, key := range []string{"x-ratelimit-remaining-requests", "x-ratelimit-remaining", "anthropic-ratelimit-requests-remaining"} {
		if v := h.Get(key); v != "" {
			state.Remaining = v
			break
		}
	}
	for _, key := range []string{"x-ratelimit-limit-requests", "x-ratelimit-limit", "anthropic-ratelimit-requests-limit"} {
		if v := h.Get(key); v != "" {
			state.Limit = v
			break
		}
	}
	for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset", "anthropic-ratelimit-requests-reset"} {
		if v := h.Get(key); v != "" {
			state.ResetAt = v
			break
		}
	}
	if state.Remaining == "" && state.Limit == "" && state.RetryAfter == "" {
		return
	}
	e.mu.Lock()
	e.rateLimit = state
	e.mu.Unlock()
}

// classify maps a boundary error to the executor's error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout("execution timed out", err)
	case errors.Is(err, context.Canceled):
		return apperrors.Timeout("execution cancelled", err)
	default:
		return apperrors.Internal(fmt.Sprintf("execution failed: %v", err), err)
	}
}
