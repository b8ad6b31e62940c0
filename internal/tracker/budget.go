package tracker

import "time"

// Budget guards against exhausting the tracker's request allowance. The
// poller consults it before each reconciliation cycle.
type Budget struct {
	client    Client
	threshold int
}

// NewBudget wraps a client with a minimum-remaining threshold.
func NewBudget(client Client, threshold int) *Budget {
	if threshold <= 0 {
		threshold = 50
	}
	return &Budget{client: client, threshold: threshold}
}

// Saturated reports whether the observed remaining allowance has dropped
// below the threshold and the budget window has not yet reset.
func (b *Budget) Saturated(now time.Time) bool {
	info := b.client.RateLimit()
	if info.Remaining < 0 {
		// No budget observed yet.
		return false
	}
	if info.Remaining >= b.threshold {
		return false
	}
	return info.ResetAt.IsZero() || now.Before(info.ResetAt)
}
