package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/store"
)

// UpserterOption customises the keyed upserter at construction time.
type UpserterOption func(*KeyedUpserter)

// WithUpserterClock replaces the clock used for update timestamps.
func WithUpserterClock(now func() time.Time) UpserterOption {
	return func(u *KeyedUpserter) {
		if now != nil {
			u.now = now
		}
	}
}

// KeyedUpserter creates a record on first touch of a composite key and
// overwrites its payload on every subsequent touch. Unlike the dedup
// ingestor there is no "already exists, ignore" branch: every call mutates
// state, and the last writer to commit wins.
type KeyedUpserter struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewKeyedUpserter constructs a keyed upserter over the supplied store.
func NewKeyedUpserter(st store.Store, logger zerolog.Logger, opts ...UpserterOption) (*KeyedUpserter, error) {
	if st == nil {
		return nil, errors.New("ingest: store dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	u := &KeyedUpserter{
		store:  st,
		logger: logger.With().Str("component", "keyed_upserter").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u, nil
}

// Upsert looks up the single record matching every component of the composite
// key, overwriting its payload when found and inserting otherwise. Absence is
// never an error, and an insert that races past the lookup into the store's
// uniqueness constraint falls back to the update branch.
func (u *KeyedUpserter) Upsert(ctx context.Context, entityType string, compositeKey map[string]string, payload store.Row) (store.Row, error) {
	keyColumns, err := upsertKeyColumns(entityType)
	if err != nil {
		return nil, err
	}

	pred := make(store.Predicate, len(keyColumns))
	for _, column := range keyColumns {
		value := strings.TrimSpace(compositeKey[column])
		if value == "" {
			return nil, fmt.Errorf("%w: key component %q is required", ErrValidation, column)
		}
		pred[column] = value
	}

	table := entityType

	existing, err := u.store.Select(ctx, table, pred)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return u.overwrite(ctx, table, pred, existing[0], payload)
	}

	row := make(store.Row, len(payload)+len(pred)+1)
	for name, value := range payload {
		row[name] = value
	}
	for name, value := range pred {
		row[name] = value
	}
	row["updated_at"] = u.now().UTC().Format(time.RFC3339Nano)

	inserted, err := u.store.Insert(ctx, table, row)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, store.ErrConstraintViolation) {
		return nil, err
	}

	// Lost the insert race; the record now exists, so take the update path.
	u.logger.Debug().
		Str("entity_type", entityType).
		Msg("insert lost upsert race, overwriting existing record")

	recovered, selErr := u.store.Select(ctx, table, pred)
	if selErr != nil {
		return nil, selErr
	}
	if len(recovered) == 0 {
		return nil, fmt.Errorf("record vanished after conflict on %s: %w", entityType, err)
	}
	return u.overwrite(ctx, table, pred, recovered[0], payload)
}

func (u *KeyedUpserter) overwrite(ctx context.Context, table string, pred store.Predicate, current, payload store.Row) (store.Row, error) {
	fields := make(store.Row, len(payload)+1)
	for name, value := range payload {
		fields[name] = value
	}
	fields["updated_at"] = u.now().UTC().Format(time.RFC3339Nano)

	if _, err := u.store.Update(ctx, table, pred, fields); err != nil {
		return nil, err
	}

	merged := make(store.Row, len(current)+len(fields))
	for name, value := range current {
		merged[name] = value
	}
	for name, value := range fields {
		merged[name] = value
	}
	return merged, nil
}
