package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// schema is applied on open. Uniqueness constraints are the source of truth
// for deduplication; the pre-insert lookup in the ingestor is an optimisation.
const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    name TEXT,
    message TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS calculations (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    today_value REAL,
    monthly_deposit REAL,
    percentage_increase REAL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_progress (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    module_id TEXT NOT NULL,
    completed INTEGER,
    score REAL,
    created_at TEXT NOT NULL,
    updated_at TEXT,
    UNIQUE(user_id, module_id)
);

CREATE TABLE IF NOT EXISTS queued_notifications (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    recipient TEXT NOT NULL,
    recipient_name TEXT,
    subject TEXT NOT NULL,
    html_body TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    last_error TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    sent_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_queued_notifications_status
    ON queued_notifications(status);
`

// tables whitelists the columns the generic boundary may touch per table.
// Unknown identifiers are rejected before any statement is built, so caller
// input never reaches SQL as an identifier.
var tables = map[string][]string{
	"subscriptions":     {"id", "email", "created_at"},
	"leads":             {"id", "email", "name", "message", "created_at"},
	"calculations":      {"id", "email", "today_value", "monthly_deposit", "percentage_increase", "created_at"},
	"learning_progress": {"id", "user_id", "module_id", "completed", "score", "created_at", "updated_at"},
}

// timeLayout is the canonical persisted timestamp format.
const timeLayout = time.RFC3339Nano

// Option customises the SQLite store at construction time.
type Option func(*SQLite)

// WithClock replaces the clock used for created-at stamping.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) {
		if now != nil {
			s.now = now
		}
	}
}

// SQLite implements Store over a local SQLite database file.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if necessary) the database at path and applies the
// schema. The returned store is safe for concurrent use.
func Open(path string, logger zerolog.Logger, opts ...Option) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidArgument)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, WrapUnavailable(err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, WrapUnavailable(fmt.Errorf("apply schema: %v", err))
	}

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DB exposes the underlying connection pool for collaborators that need
// statements outside the generic boundary, such as the retry queue.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close releases the database connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert writes a new row, generating an id and created-at stamp when absent.
func (s *SQLite) Insert(ctx context.Context, table string, row Row) (Row, error) {
	columns, err := tableColumns(table)
	if err != nil {
		return nil, err
	}

	stored := make(Row, len(row)+2)
	for key, value := range row {
		stored[key] = value
	}
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.New().String()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = s.now().UTC().Format(timeLayout)
	}

	names := make([]string, 0, len(stored))
	for key := range stored {
		if !contains(columns, key) {
			return nil, fmt.Errorf("%w: unknown column %q in table %q", ErrInvalidArgument, key, table)
		}
		names = append(names, key)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		args[i] = stored[name]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, classify(err)
	}

	s.logger.Debug().Str("table", table).Msg("row inserted")
	return stored, nil
}

// Update overwrites fields on every row matching the predicate.
func (s *SQLite) Update(ctx context.Context, table string, pred Predicate, fields Row) (int64, error) {
	columns, err := tableColumns(table)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: update requires at least one field", ErrInvalidArgument)
	}

	setNames, setArgs, err := sortedPairs(table, columns, map[string]any(fields))
	if err != nil {
		return 0, err
	}
	whereNames, whereArgs, err := sortedPairs(table, columns, map[string]any(pred))
	if err != nil {
		return 0, err
	}

	assignments := make([]string, len(setNames))
	for i, name := range setNames {
		assignments[i] = name + " = ?"
	}

	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(assignments, ", "))
	args := setArgs
	if len(whereNames) > 0 {
		conditions := make([]string, len(whereNames))
		for i, name := range whereNames {
			conditions[i] = name + " = ?"
		}
		query += " WHERE " + strings.Join(conditions, " AND ")
		args = append(args, whereArgs...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, WrapUnavailable(err)
	}
	return affected, nil
}

// Select returns all rows matching the predicate.
func (s *SQLite) Select(ctx context.Context, table string, pred Predicate) ([]Row, error) {
	columns, err := tableColumns(table)
	if err != nil {
		return nil, err
	}

	whereNames, whereArgs, err := sortedPairs(table, columns, map[string]any(pred))
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), table)
	if len(whereNames) > 0 {
		conditions := make([]string, len(whereNames))
		for i, name := range whereNames {
			conditions[i] = name + " = ?"
		}
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, WrapUnavailable(err)
		}

		row := make(Row, len(columns))
		for i, name := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[name] = string(v)
			default:
				row[name] = v
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapUnavailable(err)
	}
	return result, nil
}

func tableColumns(table string) ([]string, error) {
	columns, ok := tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidArgument, table)
	}
	return columns, nil
}

func sortedPairs(table string, columns []string, values map[string]any) ([]string, []any, error) {
	names := make([]string, 0, len(values))
	for key := range values {
		if !contains(columns, key) {
			return nil, nil, fmt.Errorf("%w: unknown column %q in table %q", ErrInvalidArgument, key, table)
		}
		names = append(names, key)
	}
	sort.Strings(names)

	args := make([]any, len(names))
	for i, name := range names {
		args[i] = values[name]
	}
	return names, args, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// classify maps driver errors onto the boundary's sentinel errors. The SQLite
// driver reports uniqueness conflicts through the error text, so matching is
// textual, the same way SMTP status codes are recovered from provider errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") {
		return WrapConstraintViolation(err)
	}
	return WrapUnavailable(err)
}
