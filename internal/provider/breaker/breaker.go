// Package breaker implements the per-provider circuit breaker. State is
// persisted to a single JSON document on every transition and recovered on
// startup, so a restart never forgets an open circuit.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/store"
)

// State is the admission state of one provider's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults per the product's failure policy.
const (
	DefaultFailureThreshold = 5
	DefaultSleepWindow      = 60 * time.Second
	DefaultHalfOpenMax      = 2
)

// stateDoc is the persisted document id under the providers store.
const stateDoc = "state"

// ProviderState is the circuit record for one provider.
type ProviderState struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Successes           int        `json:"successes"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
	// HalfOpenTrials counts admissions since entering HALF_OPEN.
	HalfOpenTrials int `json:"halfOpenTrials,omitempty"`
}

// TransitionHook observes state changes (metrics, events).
type TransitionHook func(provider string, from, to State)

// Breaker owns the circuit state for every provider. Updates for one
// provider are totally ordered behind the breaker's mutex; the persisted
// document always matches memory once a transition returns.
type Breaker struct {
	store  *store.Store
	clock  clock.Clock
	logger *logger.Logger

	failureThreshold int
	sleepWindow      time.Duration
	halfOpenMax      int

	mu     sync.Mutex
	states map[string]*ProviderState
	hook   TransitionHook
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThresholds overrides the failure threshold, sleep window and
// half-open trial budget.
func WithThresholds(failures int, sleep time.Duration, halfOpenMax int) Option {
	return func(b *Breaker) {
		b.failureThreshold = failures
		b.sleepWindow = sleep
		b.halfOpenMax = halfOpenMax
	}
}

// WithTransitionHook registers a hook invoked after each persisted transition.
func WithTransitionHook(hook TransitionHook) Option {
	return func(b *Breaker) { b.hook = hook }
}

// New creates a Breaker backed by the providers store, recovering any
// persisted state.
func New(st *store.Store, clk clock.Clock, log *logger.Logger, opts ...Option) (*Breaker, error) {
	b := &Breaker{
		store:            st,
		clock:            clk,
		logger:           log.WithFields(zap.String("component", "circuit-breaker")),
		failureThreshold: DefaultFailureThreshold,
		sleepWindow:      DefaultSleepWindow,
		halfOpenMax:      DefaultHalfOpenMax,
		states:           make(map[string]*ProviderState),
	}
	for _, opt := range opts {
		opt(b)
	}

	if st.Exists(stateDoc) {
		var persisted map[string]*ProviderState
		if err := st.Get(stateDoc, &persisted); err != nil {
			return nil, err
		}
		b.states = persisted
		b.logger.Info("recovered circuit states", zap.Int("providers", len(persisted)))
	}
	return b, nil
}

// AllowRequest reports whether a request may be sent to the provider.
// Crossing nextRetryAt promotes an OPEN circuit to HALF_OPEN atomically.
func (b *Breaker) AllowRequest(providerType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stateLocked(providerType)
	switch s.State {
	case StateClosed:
		return true
	case StateOpen:
		now := b.clock.Now()
		if s.NextRetryAt != nil && !now.Before(*s.NextRetryAt) {
			b.transitionLocked(providerType, s, StateHalfOpen)
			s.ConsecutiveFailures = 0
			s.Successes = 0
			s.HalfOpenTrials = 1
			b.persistLocked()
			return true
		}
		return false
	case StateHalfOpen:
		if s.HalfOpenTrials < b.halfOpenMax {
			s.HalfOpenTrials++
			b.persistLocked()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the circuit toward CLOSED.
func (b *Breaker) RecordSuccess(providerType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stateLocked(providerType)
	s.Successes++
	s.ConsecutiveFailures = 0
	if s.State != StateClosed {
		b.transitionLocked(providerType, s, StateClosed)
		s.OpenedAt = nil
		s.NextRetryAt = nil
		s.HalfOpenTrials = 0
	}
	b.persistLocked()
}

// RecordFailure counts a failure, opening the circuit at the threshold.
// Any failure in HALF_OPEN re-opens immediately.
func (b *Breaker) RecordFailure(providerType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	s := b.stateLocked(providerType)
	s.ConsecutiveFailures++
	s.LastFailureAt = &now

	shouldOpen := s.State == StateHalfOpen ||
		(s.State == StateClosed && s.ConsecutiveFailures >= b.failureThreshold)
	if shouldOpen {
		b.transitionLocked(providerType, s, StateOpen)
		opened := now
		next := now.Add(b.sleepWindow)
		s.OpenedAt = &opened
		s.NextRetryAt = &next
		s.HalfOpenTrials = 0
	}
	b.persistLocked()
}

// State returns a copy of one provider's circuit record.
func (b *Breaker) State(providerType string) ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.stateLocked(providerType)
}

// Snapshot returns a copy of every provider's circuit record.
func (b *Breaker) Snapshot() map[string]ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ProviderState, len(b.states))
	for k, v := range b.states {
		out[k] = *v
	}
	return out
}

func (b *Breaker) stateLocked(providerType string) *ProviderState {
	if s, ok := b.states[providerType]; ok {
		return s
	}
	s := &ProviderState{State: StateClosed}
	b.states[providerType] = s
	return s
}

func (b *Breaker) transitionLocked(providerType string, s *ProviderState, to State) {
	from := s.State
	s.State = to
	b.logger.Info("circuit transition",
		zap.String("provider", providerType),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if b.hook != nil {
		b.hook(providerType, from, to)
	}
}

func (b *Breaker) persistLocked() {
	if err := b.store.Put(stateDoc, b.states); err != nil {
		b.logger.Error("failed to persist circuit states", zap.Error(err))
	}
}
