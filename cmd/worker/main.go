package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"document-bridge/internal/config"
	"document-bridge/internal/docstore"
	"document-bridge/internal/intake"
	"document-bridge/internal/lease"
	"document-bridge/internal/notifier"
	"document-bridge/internal/queue"
	"document-bridge/internal/retry"
	"document-bridge/internal/statusfile"
	"document-bridge/internal/store"
	"document-bridge/internal/telemetry"
	workerproc "document-bridge/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Pretty, cfg.OTEL.ServiceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownOTel, err := telemetry.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdownOTel(sctx)
	}()

	if err := cfg.ValidateLocations(); err != nil {
		log.Fatal().Err(err).Msg("invalid filesystem location")
	}

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
	if err := mq.DeclareTopology(queue.Topology{
		RequestQueue:       cfg.RabbitMQ.RequestQueue,
		DLQ:                cfg.RabbitMQ.DLQ,
		ParkingLot:         cfg.RabbitMQ.ParkingLot,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		OrphanExchange:     cfg.RabbitMQ.OrphanExchange,
		ResponseExchange:   cfg.RabbitMQ.ResponseExchange,
	}); err != nil {
		log.Fatal().Err(err).Msg("declare topology")
	}
	lost := mq.Lost()

	artifacts, err := docstore.NewS3Store(ctx, cfg.S3, cfg.Docstore.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("init document store")
	}

	var statusPub notifier.Publisher = mq
	if cfg.Notifier.Transport == "kafka" {
		producer, err := notifier.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatal().Err(err).Msg("connect kafka")
		}
		kp := notifier.NewKafkaPublisher(producer)
		defer kp.Close()
		statusPub = kp
	}
	notify := notifier.New(statusPub, cfg.RabbitMQ.ResponseExchange)

	requests, err := intake.NewHandler(st, cfg.Location.Request)
	if err != nil {
		log.Fatal().Err(err).Msg("init request handler")
	}
	router := retry.NewRouter(mq, retry.Settings{
		MaxRetries:         cfg.RabbitMQ.MaxRetries,
		InitialDelay:       cfg.RabbitMQ.Backoff.InitialDelay,
		Multiplier:         cfg.RabbitMQ.Backoff.Multiplier,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		ParkingLot:         cfg.RabbitMQ.ParkingLot,
	})
	parking := retry.NewParkingLot(st, mq, cfg.RabbitMQ.OrphanExchange)

	listeners := workerproc.NewProcessor(mq)
	listeners.RegisterHandler(cfg.RabbitMQ.RequestQueue, requests.Handle)
	listeners.RegisterHandler(cfg.RabbitMQ.DLQ, router.Handle)
	listeners.RegisterHandler(cfg.RabbitMQ.ParkingLot, parking.Handle)

	var locker statusfile.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = lease.New(rdb, "document-bridge:status-scan", cfg.Scheduler.LeaseTTL)
	}
	processor := statusfile.NewProcessor(st, artifacts, notify, cfg.Location.Document, cfg.PrintedDocument.MaxAttempts)
	scheduler := statusfile.NewScheduler(processor, st, locker, cfg.Location, cfg.Scheduler)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		select {
		case err, ok := <-lost:
			if !ok || err == nil {
				return
			}
			log.Error().Str("reason", err.Reason).Int("code", err.Code).Msg("rabbitmq connection lost, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info().
		Str("version", version).
		Str("input", cfg.Location.Input).
		Dur("interval", cfg.Scheduler.Interval).
		Str("notifier", cfg.Notifier.Transport).
		Msg("bridge worker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := listeners.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("listeners stopped")
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("status file scheduler stopped")
			cancel()
		}
	}()
	wg.Wait()

	sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = metricsSrv.Shutdown(sctx)
	log.Info().Msg("bridge worker stopped")
}
