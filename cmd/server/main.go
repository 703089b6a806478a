// Package main is RevBack's core server: inbound webhook ingestion, the
// detection engine, the cron-driven scan/retention scheduler, and outbound
// alert/webhook delivery, all wired to a shared Postgres store and Redis
// queue substrate (spec §6.1/§6.3, core-relevant subset). Adapted from the
// teacher's cmd/gateway entry point, stripped of everything specific to its
// confidential-computing deployment (MarbleRun, mTLS, header-gate, OAuth).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/revback/core/internal/audit"
	"github.com/revback/core/internal/config"
	"github.com/revback/core/internal/domain/apikey"
	"github.com/revback/core/internal/domain/backfill"
	"github.com/revback/core/internal/domain/detectors"
	"github.com/revback/core/internal/domain/entitlement"
	"github.com/revback/core/internal/domain/identity"
	"github.com/revback/core/internal/domain/ingestion"
	"github.com/revback/core/internal/domain/normalize"
	"github.com/revback/core/internal/domain/normalize/apple"
	"github.com/revback/core/internal/domain/normalize/google"
	"github.com/revback/core/internal/domain/normalize/recurly"
	"github.com/revback/core/internal/domain/normalize/stripe"
	"github.com/revback/core/internal/domain/outbound"
	"github.com/revback/core/internal/domain/proxy"
	"github.com/revback/core/internal/domain/scheduler"
	"github.com/revback/core/internal/httpapi"
	"github.com/revback/core/internal/kv"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/internal/resilience"
	"github.com/revback/core/internal/secrets"
	"github.com/revback/core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logCfg := logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}
	appLog := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnLifetime)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	redisKV, err := kv.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("kv: %v", err)
	}
	if err := redisKV.Ping(ctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	secretsMgr, err := secrets.NewManager(cfg.CredentialEncryptionKey, cfg.CredentialEncryptionKeyPrevious)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}

	auditLogger := audit.New(db)
	identityResolver := identity.New(db, auditLogger)
	entitlementEngine := entitlement.New(db, appLog)

	normalizers := normalize.NewRegistry(
		stripe.New(),
		recurly.New(),
		apple.New(nil),
		google.New(google.NewHTTPJWKSProvider("", nil), cfg.DashboardURL),
	)

	queues := queue.New(redisKV.Raw(), appLog, queue.DefaultConfig())
	queues.SetRetryConfig(queue.ScheduledScans, resilience.RetryConfig{
		MaxAttempts: 3, InitialDelay: 30 * time.Second, Multiplier: 2.0, MaxDelay: 2 * time.Minute,
	})
	queues.SetFixedIntervals(queue.WebhookDelivery, []time.Duration{
		1 * time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour,
	})
	metricsRegistry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		queues.MustRegister(metricsRegistry)
	}

	detectorEngine := detectors.NewEngine(db, queues, appLog,
		detectors.NewPaidNoAccess(db),
		detectors.NewRefundNotRevoked(db),
		detectors.NewEntitlementWithoutPayment(db),
		detectors.NewWebhookDeliveryGap(db),
		detectors.NewCrossPlatformMismatch(db),
		detectors.NewSilentRenewalFailure(db),
		detectors.NewTrialNoConversion(db),
		detectors.NewVerifiedPaidNoAccess(db),
		detectors.NewVerifiedAccessNoPayment(db),
	)

	pipeline := ingestion.New(db, secretsMgr, normalizers, identityResolver, entitlementEngine, detectorEngine, auditLogger, appLog).
		WithForwarder(proxy.NewAppleForwarder(db, appLog, false))

	backfillEngine := backfill.New(pipeline, db, redisKV, secretsMgr, appLog)
	_ = backfillEngine // wired for future provider SourceClient registration; no HTTP trigger in this core subset

	sched := scheduler.New(db, detectorEngine, queues, appLog)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	defer sched.Stop()

	dispatcher := outbound.New(db, queues, appLog)
	webhookWorker := outbound.NewWebhookWorker(db, nil, appLog)

	queues.RegisterHandler(queue.ScheduledScans, scheduler.ScanHandler(detectorEngine))
	queues.RegisterHandler(queue.DataRetention, scheduler.RetentionHandler(db, nil))
	queues.RegisterHandler(queue.AlertDispatch, dispatcher.Handler())
	queues.RegisterHandler(queue.WebhookDelivery, webhookWorker.Handler())
	queues.Start(ctx)
	defer queues.Stop()

	keyIssuer := apikey.New(db)

	server := httpapi.New(db, pipeline, detectorEngine, queues, keyIssuer, appLog)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLog.WithFields(map[string]any{"port": cfg.HTTPPort}).Info("revback server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("http shutdown error")
	}
}
