package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ingestion-service/internal/config"
	"github.com/example/ingestion-service/internal/delivery"
	"github.com/example/ingestion-service/internal/events"
	"github.com/example/ingestion-service/internal/logger"
	"github.com/example/ingestion-service/internal/retryqueue"
	"github.com/example/ingestion-service/internal/store"
	"github.com/example/ingestion-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	log, err := logger.New("retry-worker", cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}

	db, err := store.Open(cfg.Database.Path, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}()

	queue, err := retryqueue.New(db.DB(), *log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise retry queue")
	}

	transport, err := delivery.NewSMTPTransport(cfg.SMTP, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise smtp transport")
	}

	coordinator, err := delivery.NewCoordinator(transport, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise delivery coordinator")
	}

	var statusPublisher *events.StatusPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, *log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create events producer")
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close events producer")
			}
		}()
		statusPublisher = events.NewStatusPublisher(producer, cfg.Kafka.StatusTopic, *log)
	}

	w, err := worker.New(
		worker.Config{
			PollInterval: time.Duration(cfg.Retry.PollIntervalSeconds) * time.Second,
			BatchSize:    cfg.Retry.BatchSize,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Concurrency:  cfg.Retry.WorkerConcurrency,
		},
		worker.Dependencies{
			Queue:       queue,
			Coordinator: coordinator,
			Senders:     cfg.Senders,
			Events:      statusPublisher,
			Logger:      *log,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise retry worker")
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("retry worker exited with error")
	}
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
