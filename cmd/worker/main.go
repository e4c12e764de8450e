package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-publisher/internal/authstate"
	"content-publisher/internal/broker"
	"content-publisher/internal/config"
	"content-publisher/internal/lease"
	"content-publisher/internal/logging"
	"content-publisher/internal/media"
	"content-publisher/internal/models"
	"content-publisher/internal/orchestrator"
	"content-publisher/internal/platform"
	"content-publisher/internal/queue"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
	workerproc "content-publisher/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if _, err := st.RunMigrations(); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg)

	resolver, err := media.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init media resolver")
	}

	platforms := platform.Default(cfg)
	credentials := broker.New(st, authstate.NewRedisStore(rdb, cfg.StateTTL), platforms, cfg.RedirectURL, log)
	publisher := orchestrator.New(st, st, credentials, resolver, platforms, lease.NewLocker(rdb), orchestrator.Options{
		PublishTimeout:     cfg.PublishTimeout,
		PublishConcurrency: cfg.PublishConcurrency,
		LeaseTTL:           cfg.LeaseTTL,
	}, log)

	handler := func(ctx context.Context, d models.Delivery) error {
		err := publisher.Handle(ctx, d)
		if errors.Is(err, orchestrator.ErrLeaseHeld) {
			return workerproc.Defer(err)
		}
		return err
	}
	processor := workerproc.NewProcessor(cfg, q, st, handler, log, workerID)

	if _, err := credentials.StartRefreshSweep(ctx, cfg.RefreshSweepSpec, cfg.RefreshWindow, 5*time.Minute); err != nil {
		log.Fatal().Err(err).Msg("schedule refresh sweep")
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
