package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// dialect carries the backend-specific SQL for the process_state table.
type dialect struct {
	name   string
	schema []string
	load   string
	insert string
	update string
}

// SQLStore is a database/sql implementation of Store[S].
//
// All SQL backends share one table:
//
//	process_state(process_id, version, schema_version, state, updated_at)
//
// Saves are single conditional statements. A first save inserts only if no
// row exists; later saves update only if the stored version matches. Zero
// affected rows means another invocation won the race.
//
// Use NewSQLiteStore, NewMySQLStore or NewPostgresStore to construct one.
type SQLStore[S any] struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
}

func newSQLStore[S any](ctx context.Context, db *sql.DB, d dialect) (*SQLStore[S], error) {
	s := &SQLStore[S]{
		db:      db,
		dialect: d,
		now:     time.Now,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLStore[S]) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Load implements Store.
func (s *SQLStore[S]) Load(ctx context.Context, processID string) (Record[S], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record[S]{}, ErrClosed
	}

	var (
		version int64
		schema  int
		data    []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.load, processID).Scan(&version, &schema, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record[S]{ProcessID: processID}, nil
	}
	if err != nil {
		return Record[S]{}, unavailable("load state", err)
	}

	return decodeState[S](processID, version, schema, data, time.UnixMilli(updated).UTC())
}

// Save implements Store.
func (s *SQLStore[S]) Save(ctx context.Context, processID string, state S, expected int64) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	next := expected + 1
	updated := s.now().UnixMilli()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, s.dialect.insert,
			processID, next, SchemaVersion, string(data), updated)
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.update,
			next, SchemaVersion, string(data), updated, processID, expected)
	}
	if err != nil {
		return 0, unavailable("save state", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("read affected rows", err)
	}
	if n == 0 {
		return 0, conflict(processID, expected)
	}
	return next, nil
}

// Ping verifies the database connection is alive.
func (s *SQLStore[S]) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
