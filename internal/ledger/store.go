package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the ledger database schema version doesn't match.
var ErrSchemaMismatch = errors.New("ledger schema version mismatch")

// Store persists usage events append-only in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy backs off and retries writes that lose the race for the
// database lock. The busy_timeout pragma only covers the connection it was
// applied on, not the whole pool.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// OpenStore initializes or connects to the ledger database under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "ledger.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check ledger schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record ledger schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read ledger schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Append inserts one event and returns it with its assigned identifier.
func (s *Store) Append(ctx context.Context, event UsageEvent) (UsageEvent, error) {
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO usage_events (ts, service, kind, amount, cost, model, operation_id, user_id)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Service,
		event.Kind,
		event.Amount,
		int64(event.Cost),
		nullableString(event.Model),
		nullableString(event.OperationID),
		nullableString(event.UserID),
	)
	if err != nil {
		return event, fmt.Errorf("append usage event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return event, fmt.Errorf("last insert id: %w", err)
	}
	event.ID = id
	return event, nil
}

// LoadSince returns events with timestamps at or after cutoff, oldest first.
func (s *Store) LoadSince(ctx context.Context, cutoff time.Time) ([]UsageEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, ts, service, kind, amount, cost, model, operation_id, user_id
         FROM usage_events WHERE ts >= ? ORDER BY ts`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("load usage events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than cutoff and reports how many were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM usage_events WHERE ts < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (UsageEvent, error) {
	var (
		event       UsageEvent
		tsRaw       string
		cost        int64
		model       sql.NullString
		operationID sql.NullString
		userID      sql.NullString
	)
	if err := scanner.Scan(&event.ID, &tsRaw, &event.Service, &event.Kind, &event.Amount, &cost, &model, &operationID, &userID); err != nil {
		return event, fmt.Errorf("scan usage event: %w", err)
	}
	event.Cost = Cost(cost)
	event.Model = model.String
	event.OperationID = operationID.String
	event.UserID = userID.String
	if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
		event.Timestamp = ts
	}
	return event, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
