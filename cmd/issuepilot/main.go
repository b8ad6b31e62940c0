// Package main is the entry point for the issuepilot service: webhook
// ingress, reconciliation poller and the orchestration pipeline behind
// them, in a single binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	"github.com/issuepilot/issuepilot/internal/common/config"
	"github.com/issuepilot/issuepilot/internal/common/httpmw"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/events"
	"github.com/issuepilot/issuepilot/internal/events/bus"
	"github.com/issuepilot/issuepilot/internal/executor"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/orchestrator"
	"github.com/issuepilot/issuepilot/internal/orchestrator/routing"
	"github.com/issuepilot/issuepilot/internal/poller"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/provider/breaker"
	"github.com/issuepilot/issuepilot/internal/provider/health"
	"github.com/issuepilot/issuepilot/internal/provider/router"
	"github.com/issuepilot/issuepilot/internal/provider/token"
	"github.com/issuepilot/issuepilot/internal/reporter"
	"github.com/issuepilot/issuepilot/internal/retry"
	"github.com/issuepilot/issuepilot/internal/session"
	"github.com/issuepilot/issuepilot/internal/store"
	"github.com/issuepilot/issuepilot/internal/tracing"
	"github.com/issuepilot/issuepilot/internal/tracker"
	"github.com/issuepilot/issuepilot/internal/webhook"
	"github.com/issuepilot/issuepilot/internal/worktree"
)

const version = "0.3.0"

// archiveSweepInterval is the cadence for pruning archived sessions.
const archiveSweepInterval = 6 * time.Hour

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting issuepilot...", zap.String("version", version))

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// 4. Event bus (in-memory, or NATS if configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Persistent state stores
	rootStore, err := store.New(cfg.Paths.StateRoot)
	if err != nil {
		log.Fatal("Failed to open state root", zap.Error(err))
	}
	providerStore, err := rootStore.Sub("providers")
	if err != nil {
		log.Fatal("Failed to open provider store", zap.Error(err))
	}
	sessionStore, err := store.New(cfg.Paths.SessionBase)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}

	// 6. Tracker client
	trackerClient := tracker.NewLinearClient(cfg.Tracker.Endpoint, cfg.Tracker.APIToken)
	budget := tracker.NewBudget(trackerClient, 0)

	// 7. Providers, circuit breakers, token daemon
	providers := provider.FromConfig(cfg.Providers)
	if len(providers) == 0 {
		log.Warn("No enabled providers configured")
	}

	brk, err := breaker.New(providerStore, clk, log,
		breaker.WithTransitionHook(func(providerType string, from, to breaker.State) {
			metrics.BreakerTransitions.WithLabelValues(providerType, string(to)).Inc()
			event := bus.NewEvent(events.ProviderBreakerChanged, "breaker", map[string]any{
				"provider": providerType,
				"from":     string(from),
				"to":       string(to),
			})
			_ = eventBus.Publish(context.Background(), events.ProviderBreakerChanged, event)
		}))
	if err != nil {
		log.Fatal("Failed to recover circuit breaker state", zap.Error(err))
	}

	tokens := startTokenDaemon(ctx, cfg, providers, clk, log)
	if tokens != nil {
		defer tokens.Cleanup()
	}

	// 8. Health monitor and provider router
	prober := health.NewHTTPProber(cfg.Health.ProbeTimeout())
	monitor := health.NewMonitor(providerStore, clk, log, prober, providers,
		health.WithInterval(cfg.Health.Interval()),
		health.WithCacheTTL(cfg.Health.CacheTTL()),
		health.WithChangeHook(func(providerType string, healthy bool) {
			value := 0.0
			if healthy {
				value = 1.0
			}
			metrics.ProviderHealthy.WithLabelValues(providerType).Set(value)
			event := bus.NewEvent(events.ProviderHealthChanged, "health", map[string]any{
				"provider": providerType,
				"healthy":  healthy,
			})
			_ = eventBus.Publish(context.Background(), events.ProviderHealthChanged, event)
		}))
	monitor.Start(ctx)
	defer monitor.Stop()

	providerRouter := router.New(providers, monitor, brk, log)

	// 9. Execution stack: retry runner, executor, worktrees, sessions
	runner := retry.NewRunner(clk, log, providerRouter)
	exec := executor.New(clk, log, runner)

	worktrees, err := worktree.NewManager(cfg.Paths.WorktreeBase, clk, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}
	sessions, err := session.NewManager(sessionStore, clk, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}
	go sweepArchive(ctx, sessions, clk, log)

	// 10. Routing engine and pipeline
	routingEngine, err := routing.NewEngine(cfg, log)
	if err != nil {
		log.Fatal("Failed to build routing tables", zap.Error(err))
	}
	rep := reporter.New(trackerClient, clk, log)
	pipeline := orchestrator.New(
		routingEngine, providerRouter, brk, sessions, worktrees, exec, rep,
		trackerClient, eventBus, clk, log,
		orchestrator.Options{
			MaxAttempts:      cfg.Execution.MaxAttempts,
			ExecutionTimeout: cfg.Execution.Timeout(),
			DefaultProvider:  cfg.DefaultProvider,
		})
	if err := pipeline.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	defer pipeline.Stop()

	// 11. Reconciliation poller
	if cfg.Poller.Enabled {
		reconciler := poller.New(trackerClient, budget, sessions, pipeline.ProcessIssue, clk, log,
			poller.Config{
				Interval:    cfg.Poller.Interval(),
				MaxInterval: cfg.Poller.MaxInterval(),
				Labels:      cfg.Poller.Labels,
				States:      cfg.Poller.States,
				Concurrency: cfg.Poller.Concurrency,
			})
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	// 12. HTTP server: webhook ingress, health, metrics
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "issuepilot"))
	engine.Use(httpmw.OtelTracing("issuepilot"))

	ingress := webhook.NewHandler(
		cfg.Tracker.WebhookSecret, cfg.Tracker.AgentName, version,
		eventBus, sessions, worktrees, monitor, brk, routingEngine, clk, log)
	ingress.RegisterRoutes(engine)
	metrics.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// 13. Wait for shutdown, then drain with a grace period
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Debug("tracing shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// startTokenDaemon wires the OAuth refresh loop when any provider relies
// on a managed token. Returns nil when no provider does.
func startTokenDaemon(ctx context.Context, cfg *config.Config, providers []*provider.Provider, clk clock.Clock, log *logger.Logger) *token.Manager {
	var oauthProvider *provider.Provider
	for _, p := range providers {
		if p.OAuth {
			oauthProvider = p
			break
		}
	}
	if oauthProvider == nil {
		return nil
	}

	refresh := token.HTTPRefresher(oauthProvider.Endpoint+"/oauth/token", oauthProvider.Credential, clk)
	tokens, err := token.NewManager(cfg.Paths.TokenPath, clk, log, refresh)
	if err != nil {
		log.Error("Failed to load OAuth token cache", zap.Error(err))
		return nil
	}
	tokens.Start(ctx)
	return tokens
}

// sweepArchive prunes archived sessions past retention on a slow cadence.
func sweepArchive(ctx context.Context, sessions *session.Manager, clk clock.Clock, log *logger.Logger) {
	if _, err := sessions.PruneArchive(); err != nil {
		log.Warn("archive prune failed", zap.Error(err))
	}
	ticker := clk.NewTicker(archiveSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := sessions.PruneArchive(); err != nil {
				log.Warn("archive prune failed", zap.Error(err))
			}
		}
	}
}
