package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
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

// ErrSchemaMismatch indicates the operations database schema doesn't match.
var ErrSchemaMismatch = errors.New("operations schema version mismatch")

// Store persists operations in SQLite.
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

// OpenStore initializes or connects to the operations database under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "operations.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open operations db: %w", err)
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
		return fmt.Errorf("create operations schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check operations schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record operations schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read operations schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Insert persists a new operation row.
func (s *Store) Insert(ctx context.Context, op *Operation) error {
	if op == nil {
		return errors.New("operation is nil")
	}
	metadata, errs, err := marshalAux(op)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO operations (id, input_ref, kind, user_id, state, started_at, ended_at,
            recovery_attempts, metadata_json, errors_json, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.InputRef,
		op.Kind,
		nullableString(op.UserID),
		op.State,
		op.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(op.EndedAt),
		op.RecoveryAttempts,
		metadata,
		errs,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// Update persists changes to an existing operation row.
func (s *Store) Update(ctx context.Context, op *Operation) error {
	if op == nil {
		return errors.New("operation is nil")
	}
	metadata, errs, err := marshalAux(op)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.execWithRetry(
		ctx,
		`UPDATE operations
         SET input_ref = ?, kind = ?, user_id = ?, state = ?, started_at = ?, ended_at = ?,
             recovery_attempts = ?, metadata_json = ?, errors_json = ?, updated_at = ?
         WHERE id = ?`,
		op.InputRef,
		op.Kind,
		nullableString(op.UserID),
		op.State,
		op.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(op.EndedAt),
		op.RecoveryAttempts,
		metadata,
		errs,
		now,
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	return nil
}

// GetByID fetches an operation, or nil when it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// List returns operations filtered by state set (or all when none given),
// oldest first.
func (s *Store) List(ctx context.Context, states ...State) ([]*Operation, error) {
	baseQuery := `SELECT ` + operationColumns + ` FROM operations`
	orderClause := ` ORDER BY started_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ReclaimStale fails active operations not updated since cutoff and reports
// how many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE operations SET state = ?, ended_at = ?, updated_at = ?
         WHERE state IN (?, ?, ?) AND updated_at < ?`,
		StateFailed,
		now,
		now,
		StateStarted,
		StateInProgress,
		StateRecovered,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale operations: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes an operation row by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const operationColumns = "id, input_ref, kind, user_id, state, started_at, ended_at, recovery_attempts, metadata_json, errors_json"

func scanOperation(scanner interface{ Scan(dest ...any) error }) (*Operation, error) {
	var (
		op        Operation
		userID    sql.NullString
		stateStr  string
		startedAt string
		endedAt   sql.NullString
		metadata  sql.NullString
		errsJSON  sql.NullString
	)
	if err := scanner.Scan(
		&op.ID,
		&op.InputRef,
		&op.Kind,
		&userID,
		&stateStr,
		&startedAt,
		&endedAt,
		&op.RecoveryAttempts,
		&metadata,
		&errsJSON,
	); err != nil {
		return nil, err
	}
	op.UserID = userID.String
	op.State = State(stateStr)
	if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		op.StartedAt = ts
	}
	if endedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			op.EndedAt = &ts
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &op.Metadata); err != nil {
			return nil, fmt.Errorf("decode operation metadata: %w", err)
		}
	}
	if op.Metadata == nil {
		op.Metadata = map[string]string{}
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &op.Errors); err != nil {
			return nil, fmt.Errorf("decode operation errors: %w", err)
		}
	}
	return &op, nil
}

func marshalAux(op *Operation) (any, any, error) {
	var metadata any
	if len(op.Metadata) > 0 {
		encoded, err := json.Marshal(op.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode operation metadata: %w", err)
		}
		metadata = string(encoded)
	}
	var errs any
	if len(op.Errors) > 0 {
		encoded, err := json.Marshal(op.Errors)
		if err != nil {
			return nil, nil, fmt.Errorf("encode operation errors: %w", err)
		}
		errs = string(encoded)
	}
	return metadata, errs, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
