package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/store"
)

func newTestUpserter(t *testing.T, st store.Store) *KeyedUpserter {
	t.Helper()

	upserter, err := NewKeyedUpserter(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return upserter
}

func TestUpsertCreatesThenOverwrites(t *testing.T) {
	backing := openTestStore(t)
	upserter := newTestUpserter(t, backing)

	key := map[string]string{"user_id": "u1", "module_id": "m1"}

	first, err := upserter.Upsert(context.Background(), "learning_progress", key, store.Row{"completed": false, "score": 0.25})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	second, err := upserter.Upsert(context.Background(), "learning_progress", key, store.Row{"completed": true, "score": 0.75})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	if first["id"] != second["id"] {
		t.Fatalf("expected identical record ids, got %v and %v", first["id"], second["id"])
	}
	if second["score"] != 0.75 {
		t.Fatalf("expected latest score, got %v", second["score"])
	}

	rows, err := backing.Select(context.Background(), "learning_progress", store.Predicate{"user_id": "u1", "module_id": "m1"})
	if err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(rows))
	}
	if rows[0]["score"] != 0.75 {
		t.Fatalf("stored row must reflect only the latest payload, got %v", rows[0]["score"])
	}
	if rows[0]["updated_at"] == nil || rows[0]["updated_at"] == "" {
		t.Fatalf("expected updated_at to be set, got %+v", rows[0])
	}
}

func TestUpsertValidation(t *testing.T) {
	upserter := newTestUpserter(t, openTestStore(t))

	if _, err := upserter.Upsert(context.Background(), "learning_progress", map[string]string{"user_id": "u1"}, store.Row{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing key component, got %v", err)
	}
	if _, err := upserter.Upsert(context.Background(), "mystery", map[string]string{"user_id": "u1"}, store.Row{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown entity type, got %v", err)
	}
}

func TestUpsertRecoversFromInsertRace(t *testing.T) {
	backing := openTestStore(t)
	key := map[string]string{"user_id": "u2", "module_id": "m1"}

	seed := newTestUpserter(t, backing)
	if _, err := seed.Upsert(context.Background(), "learning_progress", key, store.Row{"completed": false, "score": 0.1}); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	// The blind select hides the existing record so the upserter attempts an
	// insert, hits the constraint, and must fall back to the update branch.
	racing := &racingStore{inner: backing, blindSelects: 1}
	upserter := newTestUpserter(t, racing)

	updated, err := upserter.Upsert(context.Background(), "learning_progress", key, store.Row{"completed": true, "score": 0.9})
	if err != nil {
		t.Fatalf("expected race recovery, got %v", err)
	}
	if updated["score"] != 0.9 {
		t.Fatalf("expected latest payload after recovery, got %v", updated["score"])
	}

	rows, err := backing.Select(context.Background(), "learning_progress", store.Predicate{"user_id": "u2", "module_id": "m1"})
	if err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(rows))
	}
	if rows[0]["score"] != 0.9 {
		t.Fatalf("last writer must win, got %v", rows[0]["score"])
	}
}
