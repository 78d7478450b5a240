// Package store is the durable local state: messages, conversations,
// receipts and the outbound queue, all in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite handle. It is the single shared mutable
// resource; components coordinate only through what is stored here.
type DB struct {
	*sql.DB
}

// Open opens the database at path, creating it if needed. WAL mode
// keeps readers unblocked while the queue processor writes.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
