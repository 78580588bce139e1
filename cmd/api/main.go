package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	api "document-bridge/internal/api"
	"document-bridge/internal/config"
	"document-bridge/internal/queue"
	"document-bridge/internal/ratelimit"
	"document-bridge/internal/store"
	"document-bridge/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Pretty, cfg.OTEL.ServiceName+"-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownOTel, err := telemetry.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	st, err := store.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	mq, err := queue.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Prefetch)
	if err != nil {
		log.Fatal().Err(err).Msg("connect rabbitmq")
	}
	defer mq.Close()

	var limiter api.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, "document-bridge:replay:", cfg.Replay.Capacity, cfg.Replay.RefillPerSecond, time.Hour)
	}

	server := api.New(st, mq, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
