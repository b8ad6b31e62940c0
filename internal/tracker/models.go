// Package tracker holds the thin client for the upstream issue tracker and
// the issue descriptor types shared across the pipeline.
package tracker

import "time"

// Issue is the descriptor handed from the ingress paths to the orchestrator.
// It is immutable within one execution.
type Issue struct {
	ID          string   `json:"id"`         // tracker-internal id
	Identifier  string   `json:"identifier"` // human id, e.g. ABC-123
	Title       string   `json:"title"`
	Description string   `json:"description"` // may carry override directives
	Labels      []string `json:"labels"`
	Project     string   `json:"project"`
	Team        string   `json:"team"`
	State       string   `json:"state"`
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// IssueQuery selects issues during poller reconciliation.
type IssueQuery struct {
	Labels []string
	States []string
	Limit  int
}

// Comment is a comment body posted back to the tracker.
type Comment struct {
	IssueID string
	Body    string
}

// RateLimitInfo is the server-side budget observed on the last response.
type RateLimitInfo struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}
