package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/store"
)

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestIngestor(t *testing.T, st store.Store) *DedupIngestor {
	t.Helper()

	ingestor, err := NewDedupIngestor(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return ingestor
}

func TestIngestIsIdempotent(t *testing.T) {
	ingestor := newTestIngestor(t, openTestStore(t))

	first, err := ingestor.Ingest(context.Background(), "subscription", "a@b.com", store.Row{})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first submission to create the record")
	}

	second, err := ingestor.Ingest(context.Background(), "subscription", "a@b.com", store.Row{})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if second.Created {
		t.Fatalf("expected duplicate submission to be a no-op")
	}
	if first.Record["id"] != second.Record["id"] {
		t.Fatalf("expected identical record ids, got %v and %v", first.Record["id"], second.Record["id"])
	}
}

func TestIngestFirstSubmissionWins(t *testing.T) {
	ingestor := newTestIngestor(t, openTestStore(t))

	if _, err := ingestor.Ingest(context.Background(), "lead", "lead@example.com", store.Row{"name": "First", "message": "hello"}); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	res, err := ingestor.Ingest(context.Background(), "lead", "lead@example.com", store.Row{"name": "Second", "message": "ignored"})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if res.Created {
		t.Fatalf("expected duplicate to be a no-op")
	}
	if res.Record["name"] != "First" {
		t.Fatalf("expected first payload to win, got %v", res.Record["name"])
	}
}

func TestIngestValidation(t *testing.T) {
	ingestor := newTestIngestor(t, openTestStore(t))

	if _, err := ingestor.Ingest(context.Background(), "subscription", "not-an-email", store.Row{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed key, got %v", err)
	}
	if _, err := ingestor.Ingest(context.Background(), "subscription", "", store.Row{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty key, got %v", err)
	}
	if _, err := ingestor.Ingest(context.Background(), "lead", "lead@example.com", store.Row{"message": "no name"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing required field, got %v", err)
	}
	if _, err := ingestor.Ingest(context.Background(), "mystery", "a@b.com", store.Row{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown entity type, got %v", err)
	}
}

func TestIngestNormalizesKey(t *testing.T) {
	ingestor := newTestIngestor(t, openTestStore(t))

	first, err := ingestor.Ingest(context.Background(), "subscription", "User@Example.com", store.Row{})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected creation")
	}

	second, err := ingestor.Ingest(context.Background(), "subscription", "user@example.com", store.Row{})
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if second.Created {
		t.Fatalf("expected case-insensitive duplicate to be a no-op")
	}
}

// racingStore forces the dedup race: the first blind Select calls report no
// rows even when one exists, so two callers both reach the insert and one of
// them must recover through the constraint violation path.
type racingStore struct {
	inner store.Store

	mu           sync.Mutex
	blindSelects int
}

func (r *racingStore) Insert(ctx context.Context, table string, row store.Row) (store.Row, error) {
	return r.inner.Insert(ctx, table, row)
}

func (r *racingStore) Update(ctx context.Context, table string, pred store.Predicate, fields store.Row) (int64, error) {
	return r.inner.Update(ctx, table, pred, fields)
}

func (r *racingStore) Select(ctx context.Context, table string, pred store.Predicate) ([]store.Row, error) {
	r.mu.Lock()
	if r.blindSelects > 0 {
		r.blindSelects--
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()
	return r.inner.Select(ctx, table, pred)
}

func TestIngestRecoversFromInsertRace(t *testing.T) {
	backing := openTestStore(t)
	racing := &racingStore{inner: backing, blindSelects: 2}
	ingestor := newTestIngestor(t, racing)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
		errs    []error
	)
	for range [2]struct{}{} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ingestor.Ingest(context.Background(), "subscription", "race@example.com", store.Row{})
			mu.Lock()
			results = append(results, res)
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("both racing calls must succeed, got %v", err)
		}
	}
	if results[0].Record["id"] != results[1].Record["id"] {
		t.Fatalf("expected identical ids, got %v and %v", results[0].Record["id"], results[1].Record["id"])
	}
	if results[0].Created == results[1].Created {
		t.Fatalf("exactly one call must create the record, got created=%v twice", results[0].Created)
	}

	rows, err := backing.Select(context.Background(), "subscriptions", store.Predicate{"email": "race@example.com"})
	if err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(rows))
	}
}
