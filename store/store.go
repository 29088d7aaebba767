// Package store is the typed gateway to the controller's Postgres state:
// plant configuration, latest telemetry, the upstream control inbox, and
// the send log. The pipelines coordinate exclusively through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

// Config carries the Postgres connection settings.
type Config struct {
	Name     string
	User     string
	Password string
	Host     string
	Port     string
}

// ConfigFromEnv reads the DB_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		Name:     os.Getenv("DB_NAME"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
	}
}

// Store wraps the pooled database handle with the typed queries the
// pipelines need.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// PodLock is a session-scoped Postgres advisory lock keyed on a POD
// identifier. It pins one pooled connection until released so the unlock
// reaches the same session that took the lock.
type PodLock struct {
	conn *sql.Conn
	pod  string
}

// AcquirePodLock tries to take the advisory lock for a POD. The boolean is
// false when another process holds it; the caller skips its cycle then.
func (s *Store) AcquirePodLock(ctx context.Context, pod string) (*PodLock, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, pod).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("advisory lock %s: %w", pod, err)
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}
	return &PodLock{conn: conn, pod: pod}, true, nil
}

// Release drops the advisory lock and returns the connection to the pool.
func (l *PodLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.pod); err != nil {
		return fmt.Errorf("advisory unlock %s: %w", l.pod, err)
	}
	return nil
}

// WithPodLock runs fn while holding the POD's advisory lock. It returns
// (false, nil) when the lock is taken elsewhere and fn never ran.
func (s *Store) WithPodLock(ctx context.Context, pod string, fn func() error) (bool, error) {
	lock, locked, err := s.AcquirePodLock(ctx, pod)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	defer lock.Release(ctx)

	return true, fn()
}
