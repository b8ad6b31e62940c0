// Package events defines the event types flowing over the bus.
package events

// Issue lifecycle events. IssueExecute is the hand-off from the ingress
// paths (webhook, poller) to the orchestrator's queue subscription.
const (
	IssueReceived     = "issue.received"
	IssueExecute      = "issue.execute"
	IssueQueuedManual = "issue.queued_manual"
	IssueSkipped      = "issue.skipped"
)

// Session lifecycle events.
const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
)

// Provider events.
const (
	ProviderHealthChanged  = "provider.health_changed"
	ProviderBreakerChanged = "provider.breaker_changed"
)

// OrchestratorQueue is the queue group name for issue.execute consumers.
const OrchestratorQueue = "orchestrator"
