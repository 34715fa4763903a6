// Package store is the persistence layer for the engagement engine.
//
// All shared state lives in PostgreSQL; every multi-row update for a queue
// item happens in a single statement or transaction. Workers never own rows
// outside a lease (the pending -> processing transition), and the lease is
// always released to a terminal state or back to pending.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var (
	// ErrNotLeased is returned when a terminal transition targets a row that
	// is not currently in processing state.
	ErrNotLeased = errors.New("store: queue item is not leased")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps the database handle and exposes all SQL used by the engine.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Open connects to PostgreSQL and configures the connection pool.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for advisory locks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }
