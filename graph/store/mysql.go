package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{`
		CREATE TABLE IF NOT EXISTS process_state (
			process_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			schema_version INT NOT NULL,
			state JSON NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	load: `SELECT version, schema_version, state, updated_at
		FROM process_state WHERE process_id = ?`,
	insert: `INSERT IGNORE INTO process_state (process_id, version, schema_version, state, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
	update: `UPDATE process_state
		SET version = ?, schema_version = ?, state = ?, updated_at = ?
		WHERE process_id = ? AND version = ?`,
}

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/minutes
//	user:password@/minutes (uses localhost:3306)
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Read the DSN from the
//	environment or the configuration file.
func NewMySQLStore[S any](dsn string) (*SQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return newSQLStore[S](ctx, db, mysqlDialect)
}
