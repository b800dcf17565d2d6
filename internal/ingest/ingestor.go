package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/store"
)

// Result carries the record returned by an ingest call along with whether the
// call created it. A duplicate submission returns the existing record with
// Created=false; the duplicate's payload is discarded (first submission wins).
type Result struct {
	Record  store.Row
	Created bool
}

// DedupIngestor guarantees at-most-one logical record per natural key for a
// given entity type. It is stateless; the store is the only shared resource.
type DedupIngestor struct {
	store  store.Store
	logger zerolog.Logger
}

// NewDedupIngestor constructs a dedup ingestor over the supplied store.
func NewDedupIngestor(st store.Store, logger zerolog.Logger) (*DedupIngestor, error) {
	if st == nil {
		return nil, errors.New("ingest: store dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DedupIngestor{
		store:  st,
		logger: logger.With().Str("component", "dedup_ingestor").Logger(),
	}, nil
}

// Ingest creates a record for the natural key unless one already exists, in
// which case the existing record is returned unchanged. A concurrent insert
// that loses the race against the store's uniqueness constraint is converted
// into the idempotent response by re-reading the now-present row.
func (i *DedupIngestor) Ingest(ctx context.Context, entityType, naturalKey string, payload store.Row) (Result, error) {
	spec, err := dedupSpec(entityType)
	if err != nil {
		return Result{}, err
	}

	key, err := normalizeKey(spec, naturalKey)
	if err != nil {
		return Result{}, err
	}

	if err := checkRequired(spec, payload); err != nil {
		return Result{}, err
	}

	pred := store.Predicate{spec.keyColumn: key}
	existing, err := i.store.Select(ctx, spec.table, pred)
	if err != nil {
		return Result{}, err
	}
	if len(existing) > 0 {
		i.logger.Debug().
			Str("entity_type", entityType).
			Str("natural_key", key).
			Msg("duplicate submission ignored")
		return Result{Record: existing[0], Created: false}, nil
	}

	row := make(store.Row, len(payload)+1)
	for name, value := range payload {
		row[name] = value
	}
	row[spec.keyColumn] = key

	inserted, err := i.store.Insert(ctx, spec.table, row)
	if err == nil {
		return Result{Record: inserted, Created: true}, nil
	}
	if !errors.Is(err, store.ErrConstraintViolation) {
		return Result{}, err
	}

	// Lost the race: another request inserted the same key between our
	// lookup and insert. The constraint is the source of truth, so this is
	// a duplicate, not a failure.
	i.logger.Debug().
		Str("entity_type", entityType).
		Str("natural_key", key).
		Msg("insert lost dedup race, re-reading existing record")

	recovered, selErr := i.store.Select(ctx, spec.table, pred)
	if selErr != nil {
		return Result{}, selErr
	}
	if len(recovered) == 0 {
		return Result{}, fmt.Errorf("record vanished after conflict on %s key %q: %w", entityType, key, err)
	}
	return Result{Record: recovered[0], Created: false}, nil
}

func checkRequired(spec entitySpec, payload store.Row) error {
	for _, field := range spec.required {
		value, ok := payload[field]
		if !ok {
			return fmt.Errorf("%w: field %q is required", ErrValidation, field)
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: field %q is required", ErrValidation, field)
		}
	}
	return nil
}
