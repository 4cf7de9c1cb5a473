// Package app is the kernel's assembly root: it wires configuration, the
// audit log, vault, telemetry, and every domain component together and owns
// the process lifecycle: config, logger, stores, components, periodic
// workers, then graceful shutdown on signal.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/occam/orchestration-kernel/internal/audit"
	"github.com/occam/orchestration-kernel/internal/config"
	"github.com/occam/orchestration-kernel/internal/factbox"
	"github.com/occam/orchestration-kernel/internal/governance"
	"github.com/occam/orchestration-kernel/internal/notification"
	"github.com/occam/orchestration-kernel/internal/ontology"
	"github.com/occam/orchestration-kernel/internal/schema"
	"github.com/occam/orchestration-kernel/internal/telemetry"
	"github.com/occam/orchestration-kernel/internal/vault"
	"github.com/occam/orchestration-kernel/internal/workflow"
)

// Application owns every long-lived kernel component and the Prometheus
// registry their metrics are collected in; it runs no metrics server itself.
type Application struct {
	cfg *config.Config
	log *zap.Logger

	Audit      *audit.Log
	Vault      *vault.Vault
	Telemetry  *telemetry.Telemetry
	Ontology   *ontology.Store
	Schema     *schema.Validator
	FactBox    *factbox.FactBox
	Governance *governance.Engine
	Workflow   *workflow.Orchestrator
	Notifier   *notification.Dispatcher

	registry      *prometheus.Registry
	reconcileStop chan struct{}
}

// New constructs the application without starting any background workers.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("app: loading config: %w", err)
	}

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("app: building logger: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditStoragePath, logger.Named("audit"))
	if err != nil {
		return nil, fmt.Errorf("app: opening audit log: %w", err)
	}

	v, err := vault.New(cfg.MasterVaultKey, cfg.VaultStoragePath, logger.Named("vault"))
	if err != nil {
		return nil, fmt.Errorf("app: opening vault: %w", err)
	}

	registry := prometheus.NewRegistry()
	tel := telemetry.New(telemetry.SLOTargets{
		RetrievalLatencyMs: float64(cfg.SLO.RetrievalLatencyMs),
		BuildTimeSeconds:   float64(cfg.SLO.BuildTimeSeconds),
		ComplianceAccuracy: cfg.SLO.ComplianceAccuracy,
		AuditTraceVerified: cfg.SLO.AuditTraceVerified,
		CPUPercent:         cfg.SLO.CPUPercent,
		MemoryPercent:      cfg.SLO.MemoryPercent,
	}, registry)

	sch := schema.New()
	ont := ontology.NewStore(logger.Named("ontology"), sch)
	fb := factbox.New()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	gov := governance.New(governance.Config{
		Limits: governance.SpendingLimits{
			MaxTxnAmount:      decimal.NewFromInt(cfg.Governance.MaxTxnAmount),
			ApprovalThreshold: decimal.NewFromInt(cfg.Governance.ApprovalThreshold),
			DailyLimit:        decimal.NewFromInt(cfg.Governance.DailyLimit),
			Currency:          cfg.Governance.Currency,
		},
		RateLimit: governance.RateLimit{
			WindowSeconds: cfg.Governance.WindowSeconds, MaxTxnsPerWindow: cfg.Governance.MaxTxnsPerWindow,
		},
		Anomaly: governance.AnomalyConfig{
			UnusualAmountMultiplier: decimal.NewFromFloat(cfg.Governance.UnusualAmountMultiplier),
			RapidCount:              cfg.Governance.RapidCount,
			RapidWindowSeconds:      cfg.Governance.RapidWindowSeconds,
		},
		ApprovalTTL: cfg.Governance.ApprovalTTL,
	}, redisClient, auditLog, logger.Named("governance"))

	notifier := notification.NewDispatcher(v, "notification-credentials", channelsOf(cfg.EnabledChannels), logger.Named("notification"))
	if cfg.ChannelEnabled("email") {
		notifier.Register(notification.NewSendGridEmailAdapter(cfg.NotificationFromAddr, "OCCAM Compliance Kernel"))
	}
	// Seed the dispatcher's credential scope from config on first boot; after
	// that the vault's stored (and possibly rotated) credential is authoritative.
	if cfg.SendgridAPIKey != "" && len(v.ByScope("notification-credentials")) == 0 {
		if _, err := v.Store("notification-credentials", vault.KindAPIKey, cfg.SendgridAPIKey, nil, map[string]string{"provider": "sendgrid"}); err != nil {
			return nil, fmt.Errorf("app: seeding notification credential: %w", err)
		}
	}

	orchestrator := workflow.NewOrchestrator(auditLog, tel, gov, v, notifier, logger.Named("workflow"))

	return &Application{
		cfg: cfg, log: logger,
		Audit: auditLog, Vault: v, Telemetry: tel, Ontology: ont, Schema: sch,
		FactBox: fb, Governance: gov, Workflow: orchestrator, Notifier: notifier,
		registry: registry,
	}, nil
}

func channelsOf(names []string) []notification.Channel {
	out := make([]notification.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, notification.Channel(n))
	}
	return out
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// MetricsHandler returns the Prometheus scrape handler for the kernel's
// registry. The kernel starts no HTTP server of its own — an external router
// owns the route and mounts this handler (or serves Telemetry.MetricsText)
// wherever it wants.
func (a *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Start launches the periodic reconciliation sweep. It returns immediately;
// call WaitForShutdown to block.
func (a *Application) Start() error {
	a.reconcileStop = make(chan struct{})
	go a.runReconciliationLoop()

	a.log.Info("occam kernel started")
	return nil
}

func (a *Application) runReconciliationLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Workflow.ReconcileStalled(context.Background(), workflow.DefaultReconcileSLA, a.log.Named("reconciler"))
		case <-a.reconcileStop:
			return
		}
	}
}

// Shutdown stops background workers, then flushes the audit log.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.reconcileStop != nil {
		close(a.reconcileStop)
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			return fmt.Errorf("app: closing audit log: %w", err)
		}
	}
	a.log.Info("occam kernel stopped")
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts down.
func (a *Application) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return a.Shutdown(context.Background())
}
