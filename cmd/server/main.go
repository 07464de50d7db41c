package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/courier-matching/internal/config"
	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/escalation"
	"github.com/example/courier-matching/internal/eta"
	httpapi "github.com/example/courier-matching/internal/http"
	"github.com/example/courier-matching/internal/ingest"
	"github.com/example/courier-matching/internal/logging"
	"github.com/example/courier-matching/internal/matcher"
	"github.com/example/courier-matching/internal/payments"
	"github.com/example/courier-matching/internal/presence"
	"github.com/example/courier-matching/internal/pricing"
	"github.com/example/courier-matching/internal/session"
	"github.com/example/courier-matching/internal/storage"
)

// dataStore is everything the services need from persistence. Both the
// Postgres and the in-memory store satisfy it.
type dataStore interface {
	storage.TripStore
	storage.ParcelStore
	storage.MatchStore
	storage.SessionStore
	storage.EscalationStore
	storage.NotificationLogStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store dataStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var idx presence.Index
	if cfg.RedisAddr != "" {
		idx = presence.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory presence index")
		idx = presence.NewMemoryIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	if cfg.FCMEndpoint != "" {
		notifier.FCM = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	rules := pricing.DefaultRules()

	scheduler := &escalation.Scheduler{
		Parcels:      store,
		Escalations:  store,
		Ledger:       store,
		Presence:     idx,
		Notifier:     notifier,
		Rules:        rules,
		PollInterval: cfg.EscalationPollInterval,
		RetryDelay:   cfg.EscalationRetryDelay,
		Logger:       logger,
	}

	m := &matcher.Service{
		Trips:       store,
		Parcels:     store,
		Matches:     store,
		Notifier:    notifier,
		Rules:       rules,
		MatchTTL:    cfg.MatchTTL,
		Escalations: scheduler,
		Logger:      logger,
	}
	if cfg.OSRMEndpoint != "" {
		m.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	} else {
		m.ETAClient = eta.Naive{SpeedMps: 12.5}
	}
	m.ETACache = eta.NewCache(5 * time.Minute)
	if os.Getenv("STRIPE_API_KEY") != "" {
		m.Payments = payments.NewStripeClient()
	}

	sessions := &session.Service{
		Sessions: store,
		Parcels:  store,
		Presence: idx,
		Notifier: notifier,
		Logger:   logger,
	}

	api := httpapi.NewServer(m, sessions, scheduler, idx, kp, wsreg, logger)
	api.MatchLimit = cfg.SessionMatchLimit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("courier-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	path := filepath.Join("migrations", "001_init.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read error", "path", path, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
