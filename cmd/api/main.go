// Package main is the entry point for the payment reconciliation server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/giggatek/reconciler/internal/api"
	"github.com/giggatek/reconciler/internal/archive"
	"github.com/giggatek/reconciler/internal/config"
	"github.com/giggatek/reconciler/internal/db"
	"github.com/giggatek/reconciler/internal/health"
	"github.com/giggatek/reconciler/internal/jobs"
	"github.com/giggatek/reconciler/internal/middleware"
	"github.com/giggatek/reconciler/internal/notify"
	"github.com/giggatek/reconciler/internal/payment"
	"github.com/giggatek/reconciler/internal/reconcile"
	"github.com/giggatek/reconciler/internal/tracing"
	"github.com/giggatek/reconciler/internal/webhook"
)

const (
	serviceName     = "giggatek-reconciler"
	shutdownTimeout = 10 * time.Second
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("GigGatek Payment Reconciliation Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires the service from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	if cfg.RunMigrations {
		if err := migrateUp(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxOpenConns / 2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	svc := services{
		store: payment.NewPostgresStore(conn, payment.PostgresConfig{
			TxTimeout:   cfg.DBTxTimeout,
			LockTimeout: cfg.DBLockTimeout,
		}, logger),
		db: conn,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		svc.redis = redis.NewClient(opts)
		defer svc.redis.Close()
	}

	if cfg.ArchiveEnabled() {
		svc.archive, err = archive.NewS3Archiver(archive.S3Config{
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(cfg, svc, reg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	serveErr := serve(ctx, srv, ln, logger)

	// Committed notifications still in the queue are flushed after the
	// server stops accepting deliveries.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.dispatcher.Close(closeCtx); err != nil {
		logger.Error("notification queue not drained", "error", err)
	}
	return serveErr
}

func migrateUp(dsn string, logger *slog.Logger) error {
	m, err := db.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	applied, err := m.Up()
	if err != nil {
		return err
	}
	logger.Info("database migrations checked", "applied", applied)
	return nil
}

// services are the external dependencies of the HTTP application. db, redis
// and archive are optional.
type services struct {
	store   payment.Store
	db      *sql.DB
	redis   *redis.Client
	archive archive.Archiver
}

type app struct {
	handler    http.Handler
	dispatcher *notify.Dispatcher
}

// newApp builds the HTTP handler and the notification dispatcher, registering
// all metrics with reg.
func newApp(cfg *config.Config, svc services, reg *prometheus.Registry, logger *slog.Logger) (*app, error) {
	httpMetrics := middleware.NewMetrics()
	reconcileMetrics := reconcile.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, reconcileMetrics, jobMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var verifiers []webhook.Verifier
	if cfg.StripeWebhookSecret != "" {
		verifiers = append(verifiers, webhook.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.StripeTolerance))
	}
	if cfg.PayPalEnabled() {
		verifiers = append(verifiers, webhook.NewPayPalVerifier(webhook.PayPalConfig{
			ClientID:      cfg.PayPalClientID,
			ClientSecret:  cfg.PayPalClientSecret,
			WebhookID:     cfg.PayPalWebhookID,
			APIBase:       cfg.PayPalAPIBase,
			Tolerance:     cfg.WebhookTolerance,
			VerifyTimeout: cfg.PayPalVerifyTimeout,
		}))
	}
	if len(verifiers) == 0 {
		return nil, errors.New("no webhook provider configured")
	}

	var sink notify.Sink = notify.NewLogSink(logger)
	if svc.redis != nil {
		sink = notify.NewRedisSink(svc.redis, cfg.NotifyQueueKey)
	}
	dispatcher := notify.NewDispatcher(sink, notify.DispatcherConfig{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
	}, jobMetrics, logger)

	applier := reconcile.NewApplier(svc.store, reconcile.ApplierConfig{
		BillingPeriodMonths: cfg.RentalBillingPeriodMonths,
	}, logger)
	opts := []reconcile.ProcessorOption{
		reconcile.WithNotifier(dispatcher),
		reconcile.WithMetrics(reconcileMetrics),
		reconcile.WithJobMetrics(jobMetrics),
	}
	if svc.archive != nil {
		opts = append(opts, reconcile.WithArchive(svc.archive))
	}
	processor := reconcile.NewProcessor(applier, svc.store, logger, opts...)

	healthCfg := api.HealthHandlersConfig{}
	if svc.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(svc.db)
	}
	if svc.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(svc.redis)
	}
	if cfg.PayPalEnabled() {
		healthCfg.PayPalChecker = health.NewPayPalChecker(cfg.PayPalAPIBase)
	}

	router := api.NewRouter(api.RouterConfig{
		Webhooks: api.NewWebhookHandlers(api.WebhookHandlersConfig{
			Registry:  webhook.NewRegistry(verifiers...),
			Processor: processor,
			Metrics:   reconcileMetrics,
			Logger:    logger,
		}),
		Health:  api.NewHealthHandlers(healthCfg),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> router
	handler := middleware.RequestID(
		middleware.Tracing(serviceName)(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(httpMetrics)(router),
			),
		),
	)
	return &app{handler: handler, dispatcher: dispatcher}, nil
}

// serve runs srv on ln until ctx is cancelled, then shuts down gracefully,
// letting in-flight deliveries finish.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
