// Package webhook is the HTTP ingress: signature-checked tracker events
// in, orchestrations out. After admission the endpoint always answers
// 202 so the tracker's retry queue is never used as backpressure.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/events"
	"github.com/issuepilot/issuepilot/internal/events/bus"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/orchestrator/routing"
	"github.com/issuepilot/issuepilot/internal/provider/breaker"
	"github.com/issuepilot/issuepilot/internal/provider/health"
	"github.com/issuepilot/issuepilot/internal/session"
	"github.com/issuepilot/issuepilot/internal/worktree"
)

// Admission limits.
const (
	maxBodyBytes      = 10 << 20
	rateLimitRequests = 30
	rateLimitWindow   = time.Minute
)

// signatureHeader carries the tracker's HMAC over the raw body.
const signatureHeader = "Linear-Signature"

// Handler owns the ingress endpoints.
type Handler struct {
	secret    string
	agentName string
	version   string

	bus       bus.EventBus
	sessions  *session.Manager
	worktrees *worktree.Manager
	monitor   *health.Monitor
	breaker   *breaker.Breaker
	routing   *routing.Engine
	clock     clock.Clock
	logger    *logger.Logger
	limiter   *rateLimiter

	// live holds issues admitted but not yet terminal, so a duplicate
	// webhook racing the session write is still rejected.
	liveMu sync.Mutex
	live   map[string]bool
}

// NewHandler creates the ingress handler.
func NewHandler(
	secret, agentName, version string,
	eventBus bus.EventBus,
	sessions *session.Manager,
	worktrees *worktree.Manager,
	monitor *health.Monitor,
	brk *breaker.Breaker,
	routingEngine *routing.Engine,
	clk clock.Clock,
	log *logger.Logger,
) *Handler {
	h := &Handler{
		secret:    secret,
		agentName: agentName,
		version:   version,
		bus:       eventBus,
		sessions:  sessions,
		worktrees: worktrees,
		monitor:   monitor,
		breaker:   brk,
		routing:   routingEngine,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "webhook")),
		limiter:   newRateLimiter(rateLimitRequests, rateLimitWindow),
		live:      make(map[string]bool),
	}
	h.watchSessions()
	return h
}

// RegisterRoutes attaches the ingress endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/linear", func(c *gin.Context) { h.handleWebhook(c, true) })
	r.POST("/webhooks/test", func(c *gin.Context) { h.handleWebhook(c, false) })
	r.GET("/health", h.handleHealth)
	r.GET("/health/detailed", h.handleHealthDetailed)
	r.GET("/health/providers", h.handleHealthProviders)
}

// watchSessions clears live-set entries when sessions reach a terminal
// state, regardless of which entry point started them.
func (h *Handler) watchSessions() {
	release := func(_ context.Context, event *bus.Event) error {
		if identifier, _ := event.Data["identifier"].(string); identifier != "" {
			h.liveMu.Lock()
			delete(h.live, identifier)
			h.liveMu.Unlock()
		}
		return nil
	}
	for _, subject := range []string{events.SessionCompleted, events.SessionFailed} {
		if _, err := h.bus.Subscribe(subject, release); err != nil {
			h.logger.Warn("failed to subscribe to session events",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

func (h *Handler) handleWebhook(c *gin.Context, verifySignature bool) {
	now := h.clock.Now()

	if ok, retryAfter := h.limiter.allow(c.ClientIP(), now); !ok {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	if c.Request.ContentLength > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "validationError": "unreadable body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	// The signature covers the exact received bytes; re-serialization
	// would invalidate it.
	if verifySignature && !h.validSignature(body, c.GetHeader(signatureHeader)) {
		metrics.WebhookRejected.WithLabelValues("signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "validationError": "malformed JSON"})
		return
	}
	if missing := p.validate(); missing != "" {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "validationError": "missing field: " + missing})
		return
	}

	if !p.relevant(h.agentName) {
		metrics.WebhookSkipped.WithLabelValues("irrelevant").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "skipped"})
		return
	}

	identifier := p.Data.Identifier
	log := h.logger.WithIssueID(identifier)

	h.liveMu.Lock()
	if h.live[identifier] || h.sessions.HasLive(identifier) {
		h.liveMu.Unlock()
		metrics.WebhookSkipped.WithLabelValues("duplicate").Inc()
		log.Info("duplicate webhook, session live")
		c.JSON(http.StatusAccepted, gin.H{"status": "skipped"})
		return
	}
	// Claim the slot before responding so a second webhook arriving
	// between response and worker start is rejected.
	h.live[identifier] = true
	h.liveMu.Unlock()

	if !h.routing.AutoExecute(p.labels()) {
		h.liveMu.Lock()
		delete(h.live, identifier)
		h.liveMu.Unlock()
		_ = h.publish(c, events.IssueQueuedManual, &p)
		metrics.WebhookAccepted.WithLabelValues("manual").Inc()
		log.Info("queued for manual execution")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued for manual"})
		return
	}

	if err := h.publish(c, events.IssueExecute, &p); err != nil {
		// Nothing will consume the issue, so free the slot for a redelivery.
		h.liveMu.Lock()
		delete(h.live, identifier)
		h.liveMu.Unlock()
	}
	metrics.WebhookAccepted.WithLabelValues("auto").Inc()
	log.Info("accepted for auto execution")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "mode": "auto"})
}

// publish hands the issue off on the bus, detached from the request
// context so the worker it spawns survives the 202 response. Failures
// after admission are logged, never surfaced; the response stays 202.
func (h *Handler) publish(c *gin.Context, eventType string, p *payload) error {
	issue := p.issue()
	event := bus.NewEvent(eventType, "webhook", map[string]any{
		"identifier": issue.Identifier,
		"issueId":    issue.ID,
		"title":      issue.Title,
	})
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.bus.Publish(ctx, eventType, event); err != nil {
		h.logger.Error("failed to publish issue event",
			zap.String("type", eventType),
			zap.String("identifier", issue.Identifier),
			zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock.Now().UTC(),
	})
}

func (h *Handler) handleHealthDetailed(c *gin.Context) {
	statuses := h.monitor.Snapshot()
	providers := make(map[string]string, len(statuses))
	code := http.StatusOK
	overall := "ok"
	for name, s := range statuses {
		switch {
		case s.Healthy:
			providers[name] = "healthy"
		case s.ConsecutiveErrors >= 3:
			providers[name] = "unhealthy"
			code = http.StatusServiceUnavailable
			overall = "degraded"
		default:
			providers[name] = "degraded"
			code = http.StatusServiceUnavailable
			overall = "degraded"
		}
	}

	active, total := h.worktrees.Counts()
	c.JSON(code, gin.H{
		"status": overall,
		"components": gin.H{
			"webhook":   "ok",
			"providers": providers,
			"worktrees": gin.H{"active": active, "total": total},
		},
		"timestamp": h.clock.Now().UTC(),
		"version":   h.version,
	})
}

func (h *Handler) handleHealthProviders(c *gin.Context) {
	statuses := h.monitor.Snapshot()
	circuits := h.breaker.Snapshot()

	out := make([]gin.H, 0, len(statuses))
	for providerType, s := range statuses {
		record := gin.H{
			"name":                s.Name,
			"healthy":             s.Healthy,
			"circuitBreakerState": string(breaker.StateClosed),
			"lastCheck":           s.LastCheck,
			"consecutiveErrors":   s.ConsecutiveErrors,
		}
		if circuit, ok := circuits[providerType]; ok {
			record["circuitBreakerState"] = string(circuit.State)
		}
		if s.LastError != "" {
			record["lastError"] = s.LastError
		}
		if s.LatencyMs > 0 {
			record["latency"] = s.LatencyMs
		}
		out = append(out, record)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}
