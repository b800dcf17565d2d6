// Package service exposes the ingress boundary contract: the operations a
// transport layer invokes to ingest records and trigger notifications. The
// central contract is asymmetric error handling: failures in the
// notification side-channel never fail the primary ingestion request, while
// ingestion failures are always surfaced.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/compose"
	"github.com/example/ingestion-service/internal/delivery"
	"github.com/example/ingestion-service/internal/events"
	"github.com/example/ingestion-service/internal/ingest"
	"github.com/example/ingestion-service/internal/models"
	"github.com/example/ingestion-service/internal/retryqueue"
	"github.com/example/ingestion-service/internal/store"
	"github.com/example/ingestion-service/internal/util"
)

// Lead is an inbound contact request.
type Lead struct {
	Email   string
	Name    string
	Message string
}

// Calculation is one calculator run submitted for a report email.
type Calculation struct {
	Email              string
	TodayValue         float64
	MonthlyDeposit     float64
	PercentageIncrease float64
}

// Progress is a learning progress update for one user and module.
type Progress struct {
	UserID    string
	ModuleID  string
	Completed bool
	Score     float64
}

// NotificationOutcome reports what happened on the notification side-channel.
// Sent and Queued are both false when even queueing failed; the record
// operation still succeeded in that case.
type NotificationOutcome struct {
	Sent          bool
	Queued        bool
	QueuedID      string
	AttemptsTried int
}

// IngestOutcome combines the stored record with the side-channel result.
type IngestOutcome struct {
	Record       store.Row
	Created      bool
	Notification NotificationOutcome
}

// Dependencies collects the collaborators required by the service.
type Dependencies struct {
	Store       store.Store
	Ingestor    *ingest.DedupIngestor
	Upserter    *ingest.KeyedUpserter
	Composer    *compose.Composer
	Coordinator *delivery.Coordinator
	Queue       *retryqueue.Queue
	Senders     []models.SenderIdentity
	Events      *events.StatusPublisher
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Service implements the ingress boundary operations.
type Service struct {
	store       store.Store
	ingestor    *ingest.DedupIngestor
	upserter    *ingest.KeyedUpserter
	composer    *compose.Composer
	coordinator *delivery.Coordinator
	queue       *retryqueue.Queue
	senders     []models.SenderIdentity
	events      *events.StatusPublisher
	logger      zerolog.Logger
	now         func() time.Time
}

// New constructs the service, validating its collaborators.
func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("service: store dependency is required")
	}
	if deps.Ingestor == nil {
		return nil, errors.New("service: ingestor dependency is required")
	}
	if deps.Upserter == nil {
		return nil, errors.New("service: upserter dependency is required")
	}
	if deps.Composer == nil {
		return nil, errors.New("service: composer dependency is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("service: coordinator dependency is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("service: retry queue dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Service{
		store:       deps.Store,
		ingestor:    deps.Ingestor,
		upserter:    deps.Upserter,
		composer:    deps.Composer,
		coordinator: deps.Coordinator,
		queue:       deps.Queue,
		senders:     deps.Senders,
		events:      deps.Events,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         nowFunc,
	}, nil
}

// Subscribe registers an email address. The first submission creates the
// subscription and triggers a confirmation email; duplicates are idempotent
// no-ops and do not email again.
func (s *Service) Subscribe(ctx context.Context, email string) (IngestOutcome, error) {
	res, err := s.ingestor.Ingest(ctx, "subscription", email, store.Row{})
	if err != nil {
		return IngestOutcome{}, err
	}

	outcome := IngestOutcome{Record: res.Record, Created: res.Created}
	if res.Created {
		recipient, _ := res.Record["email"].(string)
		outcome.Notification = s.notify(ctx, models.KindConfirmation, map[string]any{
			"email": recipient,
		})
	}
	return outcome, nil
}

// SubmitLead records a contact request keyed by email. Duplicate submissions
// keep the first lead's payload.
func (s *Service) SubmitLead(ctx context.Context, lead Lead) (IngestOutcome, error) {
	res, err := s.ingestor.Ingest(ctx, "lead", lead.Email, store.Row{
		"name":    lead.Name,
		"message": lead.Message,
	})
	if err != nil {
		return IngestOutcome{}, err
	}
	return IngestOutcome{Record: res.Record, Created: res.Created}, nil
}

// RecordCalculation appends a calculator run and sends the report email. Runs
// are not deduplicated; every submission is a new record.
func (s *Service) RecordCalculation(ctx context.Context, calc Calculation) (IngestOutcome, error) {
	email, err := util.NormalizeEmail(calc.Email)
	if err != nil {
		return IngestOutcome{}, fmt.Errorf("%w: %v", ingest.ErrValidation, err)
	}

	record, err := s.store.Insert(ctx, "calculations", store.Row{
		"email":               email,
		"today_value":         calc.TodayValue,
		"monthly_deposit":     calc.MonthlyDeposit,
		"percentage_increase": calc.PercentageIncrease,
	})
	if err != nil {
		return IngestOutcome{}, err
	}

	notification := s.notify(ctx, models.KindReport, map[string]any{
		"email":              email,
		"todayValue":         calc.TodayValue,
		"percentageIncrease": calc.PercentageIncrease,
	})
	return IngestOutcome{Record: record, Created: true, Notification: notification}, nil
}

// SaveProgress creates or overwrites the learning progress record for the
// user and module pair. Every call mutates state; the last writer wins.
func (s *Service) SaveProgress(ctx context.Context, progress Progress) (store.Row, error) {
	return s.upserter.Upsert(ctx, "learning_progress",
		map[string]string{
			"user_id":   progress.UserID,
			"module_id": progress.ModuleID,
		},
		store.Row{
			"completed": progress.Completed,
			"score":     progress.Score,
		},
	)
}

// notify runs the notification pipeline: compose, deliver across the sender
// list, queue on exhaustion. It never returns an error; whatever happens on
// this path, the record operation that triggered it has already succeeded.
func (s *Service) notify(ctx context.Context, kind string, data map[string]any) NotificationOutcome {
	n, err := s.composer.Compose(kind, data)
	if err != nil {
		s.logger.Error().Str("kind", kind).Err(err).Msg("notification composition failed")
		return NotificationOutcome{}
	}

	outcome := s.coordinator.Deliver(ctx, n, s.senders)
	if outcome.Sent {
		s.publishStatus(ctx, n, models.StatusEventSent, outcome.AttemptsTried, nil)
		return NotificationOutcome{Sent: true, AttemptsTried: outcome.AttemptsTried}
	}

	queuedID, err := s.queue.Enqueue(ctx, n, outcome.LastError)
	if err != nil {
		s.logger.Error().
			Str("kind", kind).
			Str("recipient", n.Recipient).
			Err(err).
			Msg("could not queue undeliverable notification")
		s.publishStatus(ctx, n, models.StatusEventFailed, outcome.AttemptsTried, err)
		return NotificationOutcome{AttemptsTried: outcome.AttemptsTried}
	}

	s.publishStatus(ctx, n, models.StatusEventQueued, outcome.AttemptsTried, outcome.LastError)
	return NotificationOutcome{Queued: true, QueuedID: queuedID, AttemptsTried: outcome.AttemptsTried}
}

func (s *Service) publishStatus(ctx context.Context, n models.Notification, eventType string, attempt int, cause error) {
	if s.events == nil {
		return
	}

	event := models.StatusEvent{
		Recipient: n.Recipient,
		Kind:      n.Kind,
		EventType: eventType,
		Attempt:   attempt,
		Timestamp: s.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	if err := s.events.PublishStatus(ctx, event); err != nil {
		s.logger.Warn().Str("event_type", eventType).Err(err).Msg("status event publish failed")
	}
}
