// Package store defines the persistent store boundary the ingestion core
// depends on, along with the SQLite implementation used in production. The
// boundary is deliberately narrow: single-row insert, predicate-filtered
// update and select, each atomic on its own. Spans across calls are not
// atomic; callers recover from constraint violations instead of locking.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors callers use with errors.Is to classify store failures.
var (
	// ErrConstraintViolation signals that an insert or update was rejected
	// by a uniqueness constraint. For ingestion this is a benign race and
	// must be recovered, not surfaced.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrStoreUnavailable signals that the underlying database could not be
	// reached or failed in a way unrelated to the data itself.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument is returned for unknown tables or columns before
	// any statement reaches the database.
	ErrInvalidArgument = errors.New("invalid store argument")
)

// WrapConstraintViolation annotates an error as a uniqueness conflict.
func WrapConstraintViolation(err error) error {
	if err == nil {
		return ErrConstraintViolation
	}
	return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
}

// WrapUnavailable annotates an error as a store availability failure.
func WrapUnavailable(err error) error {
	if err == nil {
		return ErrStoreUnavailable
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Row is a single record keyed by column name. Inserts return the stored row
// including the generated id and creation timestamp.
type Row map[string]any

// Predicate filters rows by column equality. All entries must match.
type Predicate map[string]any

// Store is the relational boundary consumed by the ingestion core.
type Store interface {
	// Insert writes a new row and returns it with the generated id. A
	// uniqueness conflict is reported via ErrConstraintViolation.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Update overwrites the given fields on every row matching the
	// predicate and returns the number of affected rows.
	Update(ctx context.Context, table string, pred Predicate, fields Row) (int64, error)
	// Select returns all rows matching the predicate.
	Select(ctx context.Context, table string, pred Predicate) ([]Row, error)
}
