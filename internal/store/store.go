package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultListLimit bounds List responses when the caller does not pass a limit.
const DefaultListLimit = 100

// MaxListLimit is the largest page List will return.
const MaxListLimit = 1000

var (
	// ErrDuplicateKey is returned by Create when the research_id already exists.
	ErrDuplicateKey = errors.New("research task already exists")
	// ErrInvalidTransition is returned when a status write does not follow pending -> running -> completed|failed.
	ErrInvalidTransition = errors.New("invalid research task status transition")
	// ErrNotFound is returned by mutations addressed to an unknown research_id.
	ErrNotFound = errors.New("research task not found")
)

// Store is the Postgres-backed repository of research tasks.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("store not initialised")
	}
	return s.DB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
