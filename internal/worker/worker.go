// Package worker drains the retry queue: a poll-and-dispatch loop over
// pending notifications. Distinct notifications are redelivered concurrently
// under a semaphore; each one still walks its sender list sequentially inside
// the coordinator.
package worker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/ingestion-service/internal/delivery"
	"github.com/example/ingestion-service/internal/events"
	"github.com/example/ingestion-service/internal/models"
	"github.com/example/ingestion-service/internal/retryqueue"
)

// Config contains the runtime settings for the retry worker.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Concurrency  int
}

// Dependencies collects the collaborators required by the worker.
type Dependencies struct {
	Queue       *retryqueue.Queue
	Coordinator *delivery.Coordinator
	Senders     []models.SenderIdentity
	Events      *events.StatusPublisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Worker periodically redelivers queued notifications.
type Worker struct {
	cfg         Config
	queue       *retryqueue.Queue
	coordinator *delivery.Coordinator
	senders     []models.SenderIdentity
	events      *events.StatusPublisher
	logger      zerolog.Logger
	now         func() time.Time

	sem *semaphore.Weighted
}

// New constructs a retry worker, validating configuration and collaborators.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.PollInterval <= 0 {
		return nil, errors.New("worker: poll interval must be positive")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("worker: batch size must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if deps.Queue == nil {
		return nil, errors.New("worker: queue dependency is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("worker: coordinator dependency is required")
	}
	if len(deps.Senders) == 0 {
		return nil, errors.New("worker: at least one sender identity is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Worker{
		cfg:         cfg,
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		senders:     deps.Senders,
		events:      deps.Events,
		logger:      logger.With().Str("component", "retry_worker").Logger(),
		now:         nowFunc,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("max_attempts", w.cfg.MaxAttempts).
		Msg("retry worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("retry worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("drain pass failed")
			}
		}
	}
}

// DrainOnce processes a single batch of pending notifications and returns
// how many were picked up. It blocks until every dispatched notification has
// been resolved.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	items, err := w.queue.ListPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, item := range items {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item models.QueuedNotification) {
			defer wg.Done()
			defer w.sem.Release(1)
			w.redeliver(ctx, item)
		}(item)
	}
	wg.Wait()
	return len(items), nil
}

func (w *Worker) redeliver(ctx context.Context, item models.QueuedNotification) {
	outcome := w.coordinator.Deliver(ctx, item.Notification(), w.senders)

	switch {
	case outcome.Sent:
		if err := w.queue.MarkSent(ctx, item.ID, w.now()); err != nil {
			w.logger.Error().Str("queued_id", item.ID).Err(err).Msg("mark sent failed")
			return
		}
		w.publishStatus(ctx, item, models.StatusEventSent, item.Attempts+1, nil)

	case item.Attempts+1 >= w.cfg.MaxAttempts:
		if err := w.queue.MarkFailed(ctx, item.ID, outcome.LastError); err != nil {
			w.logger.Error().Str("queued_id", item.ID).Err(err).Msg("mark failed failed")
			return
		}
		w.logger.Warn().
			Str("queued_id", item.ID).
			Str("recipient", item.Recipient).
			Int("attempts", item.Attempts+1).
			Err(outcome.LastError).
			Msg("attempt budget spent, notification parked as failed")
		w.publishStatus(ctx, item, models.StatusEventFailed, item.Attempts+1, outcome.LastError)

	default:
		if err := w.queue.RecordAttempt(ctx, item.ID, outcome.LastError); err != nil {
			w.logger.Error().Str("queued_id", item.ID).Err(err).Msg("record attempt failed")
		}
	}
}

func (w *Worker) publishStatus(ctx context.Context, item models.QueuedNotification, eventType string, attempt int, cause error) {
	if w.events == nil {
		return
	}

	event := models.StatusEvent{
		Recipient: item.Recipient,
		Kind:      item.Kind,
		EventType: eventType,
		Attempt:   attempt,
		Timestamp: w.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	if err := w.events.PublishStatus(ctx, event); err != nil {
		w.logger.Warn().Str("event_type", eventType).Err(err).Msg("status event publish failed")
	}
}
