// Package metrics exposes the service's Prometheus collectors and the
// /metrics endpoint.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhookAccepted counts admitted webhook deliveries by mode
	// (auto, manual).
	WebhookAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "webhook",
		Name:      "accepted_total",
		Help:      "Webhook deliveries admitted for execution.",
	}, []string{"mode"})

	// WebhookSkipped counts deliveries dropped by reason
	// (duplicate, irrelevant).
	WebhookSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "webhook",
		Name:      "skipped_total",
		Help:      "Webhook deliveries skipped before execution.",
	}, []string{"reason"})

	// WebhookRejected counts deliveries rejected outright by reason
	// (signature).
	WebhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "webhook",
		Name:      "rejected_total",
		Help:      "Webhook deliveries rejected before admission.",
	}, []string{"reason"})

	// SessionsClosed counts sessions by terminal state (done, error).
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "sessions",
		Name:      "closed_total",
		Help:      "Sessions reaching a terminal state.",
	}, []string{"state"})

	// BreakerTransitions counts circuit transitions per provider.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"provider", "to"})

	// ProviderHealthy reports the last probe outcome per provider.
	ProviderHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "issuepilot",
		Subsystem: "provider",
		Name:      "healthy",
		Help:      "Whether the provider's last health probe succeeded.",
	}, []string{"provider"})

	// PollerCycles counts reconciliation cycles by outcome
	// (ok, error, skipped).
	PollerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Poller reconciliation cycles.",
	}, []string{"outcome"})
)

// RegisterRoutes exposes the Prometheus scrape endpoint.
func RegisterRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
