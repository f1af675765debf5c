package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// connection opens the SQLite database with WAL journaling and foreign
// keys enforced. The pool is capped at a single connection: every store
// method both reads and writes, and SQLite allows only one writer.
func connection(database string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", database)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", database, err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	// Lock waits cover a full refresh batch writing entries while the
	// server reads feed staleness off the same file.
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 10000;
		PRAGMA synchronous = NORMAL;
		PRAGMA wal_autocheckpoint = 1000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}
