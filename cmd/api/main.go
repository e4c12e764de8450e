package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "content-publisher/internal/api"
	"content-publisher/internal/authstate"
	"content-publisher/internal/broker"
	"content-publisher/internal/config"
	"content-publisher/internal/content"
	"content-publisher/internal/logging"
	"content-publisher/internal/platform"
	"content-publisher/internal/queue"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/scheduler"
	"content-publisher/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	version, err := st.RunMigrations()
	if err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	log.Info().Uint("schema_version", version).Msg("migrations applied")

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}

	q := queue.NewRedisQueue(rdb, cfg)
	sched := scheduler.New(q, log)
	platforms := platform.Default(cfg)
	credentials := broker.New(st, authstate.NewRedisStore(rdb, cfg.StateTTL), platforms, cfg.RedirectURL, log)
	items := content.NewService(st, sched, log)
	limiter := ratelimit.NewTokenBucket(rdb, "ratelimit:content", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, credentials, items, q, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", httpServer.Addr).Strs("platforms", platforms.Names()).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("api stopped")
}
