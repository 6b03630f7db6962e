package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{`
		CREATE TABLE IF NOT EXISTS process_state (
			process_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	load: `SELECT version, schema_version, state, updated_at
		FROM process_state WHERE process_id = ?`,
	insert: `INSERT INTO process_state (process_id, version, schema_version, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(process_id) DO NOTHING`,
	update: `UPDATE process_state
		SET version = ?, schema_version = ?, state = ?, updated_at = ?
		WHERE process_id = ? AND version = ?`,
}

// NewSQLiteStore creates a SQLite-backed store in a single database file.
//
// The path parameter specifies the database file location:
//   - "./minutes.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store enables WAL mode, sets a busy timeout and creates its table on
// first use. SQLite allows one writer at a time, so the pool holds a single
// connection.
//
// Example:
//
//	st, err := store.NewSQLiteStore[graph.ProcessState]("./minutes.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return newSQLStore[S](ctx, db, sqliteDialect)
}
