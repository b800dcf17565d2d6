// Package ingest implements idempotent record creation on top of the store
// boundary. The check-then-insert span is not atomic; both the ingestor and
// the upserter treat the store's uniqueness constraint as the source of truth
// and recover from insert races instead of surfacing them.
package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/ingestion-service/internal/util"
)

// ErrValidation is returned when a natural key or required payload field is
// absent or malformed. Validation failures are reported to the caller and
// never retried.
var ErrValidation = errors.New("validation failed")

// entitySpec describes how one entity type maps onto the store.
type entitySpec struct {
	table      string
	keyColumn  string
	keyIsEmail bool
	required   []string
}

// dedupEntities enumerates the entity types accepted by the dedup ingestor.
// Each is keyed by a single natural-key column carrying a uniqueness
// constraint in the store schema.
var dedupEntities = map[string]entitySpec{
	"subscription": {table: "subscriptions", keyColumn: "email", keyIsEmail: true},
	"lead":         {table: "leads", keyColumn: "email", keyIsEmail: true, required: []string{"name"}},
}

// upsertEntities enumerates the entity types accepted by the keyed upserter,
// each identified by a composite key with a joint uniqueness constraint.
var upsertEntities = map[string][]string{
	"learning_progress": {"user_id", "module_id"},
}

func dedupSpec(entityType string) (entitySpec, error) {
	spec, ok := dedupEntities[entityType]
	if !ok {
		return entitySpec{}, fmt.Errorf("%w: unknown entity type %q", ErrValidation, entityType)
	}
	return spec, nil
}

func upsertKeyColumns(entityType string) ([]string, error) {
	columns, ok := upsertEntities[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrValidation, entityType)
	}
	return columns, nil
}

func normalizeKey(spec entitySpec, key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: natural key is required", ErrValidation)
	}
	if spec.keyIsEmail {
		normalized, err := util.NormalizeEmail(trimmed)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return normalized, nil
	}
	return trimmed, nil
}
