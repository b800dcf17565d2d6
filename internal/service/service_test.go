package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/compose"
	"github.com/example/ingestion-service/internal/delivery"
	"github.com/example/ingestion-service/internal/ingest"
	"github.com/example/ingestion-service/internal/models"
	"github.com/example/ingestion-service/internal/retryqueue"
	"github.com/example/ingestion-service/internal/store"
)

var testSenders = []models.SenderIdentity{
	{Address: "alerts@example.com", Name: "Alerts"},
	{Address: "backup@example.com", Name: "Backup"},
	{Address: "lastresort@example.com", Name: "Last Resort"},
}

type fixture struct {
	service   *Service
	queue     *retryqueue.Queue
	transport *delivery.MockTransport
}

func newFixture(t *testing.T, transportOpts ...delivery.MockOption) fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ingestor, err := ingest.NewDedupIngestor(s, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected ingestor error: %v", err)
	}
	upserter, err := ingest.NewKeyedUpserter(s, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected upserter error: %v", err)
	}
	transport := delivery.NewMockTransport(transportOpts...)
	coordinator, err := delivery.NewCoordinator(transport, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	queue, err := retryqueue.New(s.DB(), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}

	svc, err := New(Dependencies{
		Store:       s,
		Ingestor:    ingestor,
		Upserter:    upserter,
		Composer:    compose.New(),
		Coordinator: coordinator,
		Queue:       queue,
		Senders:     testSenders,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	return fixture{service: svc, queue: queue, transport: transport}
}

func TestSubscribeSendsConfirmationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Subscribe(ctx, "User@Example.com")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first subscription to create a record")
	}
	if !first.Notification.Sent {
		t.Fatalf("expected a confirmation email on first subscription")
	}

	second, err := f.service.Subscribe(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("unexpected duplicate subscribe error: %v", err)
	}
	if second.Created {
		t.Fatalf("duplicate subscription must not create a record")
	}
	if second.Notification.Sent || second.Notification.Queued {
		t.Fatalf("duplicate subscription must not email again: %+v", second.Notification)
	}
	if first.Record["id"] != second.Record["id"] {
		t.Fatalf("duplicate must return the original record")
	}

	if calls := f.transport.Calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(calls))
	}
}

func TestRecordCalculationSendsReport(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.service.RecordCalculation(context.Background(), Calculation{
		Email:              "investor@example.com",
		TodayValue:         150,
		MonthlyDeposit:     40,
		PercentageIncrease: 25,
	})
	if err != nil {
		t.Fatalf("unexpected calculation error: %v", err)
	}
	if !outcome.Created {
		t.Fatalf("expected a new calculation record")
	}
	if !outcome.Notification.Sent {
		t.Fatalf("expected the report email to be sent")
	}
	if outcome.Notification.AttemptsTried != 1 {
		t.Fatalf("expected first sender to succeed, got %d attempts", outcome.Notification.AttemptsTried)
	}

	calls := f.transport.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one send, got %d", len(calls))
	}
	if calls[0].From.Address != testSenders[0].Address {
		t.Fatalf("expected the primary sender, got %q", calls[0].From.Address)
	}
	if calls[0].To != "investor@example.com" {
		t.Fatalf("unexpected recipient %q", calls[0].To)
	}
}

func TestRecordCalculationRejectsInvalidEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RecordCalculation(context.Background(), Calculation{Email: "not-an-email"})
	if !errors.Is(err, ingest.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordCalculationFallsBackAcrossSenders(t *testing.T) {
	f := newFixture(t,
		delivery.WithSenderResult(testSenders[0].Address, &delivery.TransportError{Code: 421, Message: "service unavailable"}),
		delivery.WithSenderResult(testSenders[1].Address, &delivery.TransportError{Code: 451, Message: "try again"}),
	)

	outcome, err := f.service.RecordCalculation(context.Background(), Calculation{
		Email:              "investor@example.com",
		TodayValue:         150,
		PercentageIncrease: 25,
	})
	if err != nil {
		t.Fatalf("unexpected calculation error: %v", err)
	}
	if !outcome.Notification.Sent {
		t.Fatalf("expected delivery via the third sender")
	}
	if outcome.Notification.AttemptsTried != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Notification.AttemptsTried)
	}

	calls := f.transport.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(calls))
	}
	for i, call := range calls {
		if call.From.Address != testSenders[i].Address {
			t.Fatalf("expected sender order preserved, attempt %d used %q", i, call.From.Address)
		}
	}
}

func TestExhaustedDeliveryQueuesAndSucceeds(t *testing.T) {
	f := newFixture(t,
		delivery.WithDefaultResult(&delivery.TransportError{Code: 550, Message: "mailbox unavailable"}),
	)
	ctx := context.Background()

	outcome, err := f.service.RecordCalculation(ctx, Calculation{
		Email:              "investor@example.com",
		TodayValue:         150,
		PercentageIncrease: 25,
	})
	if err != nil {
		t.Fatalf("record operation must succeed despite delivery failure, got %v", err)
	}
	if !outcome.Created {
		t.Fatalf("expected the calculation record to be stored")
	}
	if outcome.Notification.Sent {
		t.Fatalf("expected delivery to fail")
	}
	if !outcome.Notification.Queued || outcome.Notification.QueuedID == "" {
		t.Fatalf("expected the notification to be queued, got %+v", outcome.Notification)
	}
	if outcome.Notification.AttemptsTried != len(testSenders) {
		t.Fatalf("expected every sender tried, got %d attempts", outcome.Notification.AttemptsTried)
	}

	pending, err := f.queue.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending row, got %d", len(pending))
	}
	row := pending[0]
	if row.ID != outcome.Notification.QueuedID {
		t.Fatalf("queued id mismatch: %q vs %q", row.ID, outcome.Notification.QueuedID)
	}
	if row.Recipient != "investor@example.com" {
		t.Fatalf("unexpected queued recipient %q", row.Recipient)
	}
	if row.Kind != models.KindReport {
		t.Fatalf("unexpected queued kind %q", row.Kind)
	}
	if !strings.Contains(row.HTMLBody, "150") || !strings.Contains(row.HTMLBody, "25.00%") {
		t.Fatalf("queued body must preserve the rendered figures: %q", row.HTMLBody)
	}
	if !strings.Contains(row.LastError, "mailbox unavailable") {
		t.Fatalf("expected the final transport error to be recorded, got %q", row.LastError)
	}
}

func TestSubmitLeadKeepsFirstPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.SubmitLead(ctx, Lead{Email: "lead@example.com", Name: "Ada", Message: "call me"})
	if err != nil {
		t.Fatalf("unexpected lead error: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected the first lead to be created")
	}

	second, err := f.service.SubmitLead(ctx, Lead{Email: "lead@example.com", Name: "Grace", Message: "different"})
	if err != nil {
		t.Fatalf("unexpected duplicate lead error: %v", err)
	}
	if second.Created {
		t.Fatalf("duplicate lead must not create a record")
	}
	if second.Record["name"] != "Ada" {
		t.Fatalf("duplicate must keep the first payload, got %v", second.Record["name"])
	}

	if calls := f.transport.Calls(); len(calls) != 0 {
		t.Fatalf("leads must not trigger email, got %d sends", len(calls))
	}
}

func TestSaveProgressOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.SaveProgress(ctx, Progress{UserID: "u1", ModuleID: "m1", Completed: false, Score: 40})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	second, err := f.service.SaveProgress(ctx, Progress{UserID: "u1", ModuleID: "m1", Completed: true, Score: 95})
	if err != nil {
		t.Fatalf("unexpected overwrite error: %v", err)
	}
	if first["id"] != second["id"] {
		t.Fatalf("overwrite must keep the row identity")
	}
	if second["score"] != float64(95) {
		t.Fatalf("expected latest score, got %v", second["score"])
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
