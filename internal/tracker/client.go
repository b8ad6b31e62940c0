package tracker

import "context"

// Client is the upstream tracker surface the orchestrator depends on.
// Implementations are thin; retry and backoff live with the callers.
type Client interface {
	// GetIssue fetches one issue by its human identifier.
	GetIssue(ctx context.Context, identifier string) (*Issue, error)
	// SearchIssues returns issues matching the query's labels and states.
	SearchIssues(ctx context.Context, q IssueQuery) ([]*Issue, error)
	// UpdateIssueState transitions an issue to the named workflow state.
	UpdateIssueState(ctx context.Context, issueID, state string) error
	// AddLabel attaches a label to an issue, creating it if missing.
	AddLabel(ctx context.Context, issueID, label string) error
	// CreateComment posts a comment on an issue.
	CreateComment(ctx context.Context, issueID, body string) error
	// RateLimit returns the budget observed on the most recent response.
	RateLimit() RateLimitInfo
}
