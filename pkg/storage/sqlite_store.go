// Package storage persists the minimal orchestration state (daemon records,
// port leases, last URLs and events) in SQLite so that a restarted daemon
// resumes and heals instead of leaking containers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var ErrStoreClosed = errors.New("store is closed")

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "browserd.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// SQLiteStore provides a SQLite-based storage implementation
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if needed creates) the database
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-64000&_temp_store=MEMORY", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: config.DatabasePath}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("SQLite store initialized successfully")

	return store, nil
}

const schemaVersion = 1

func (s *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS daemon_records (
		session_id TEXT PRIMARY KEY,
		container_id TEXT,
		assigned_port INTEGER NOT NULL,
		container_port INTEGER NOT NULL,
		status TEXT NOT NULL,
		desired TEXT NOT NULL,
		current_url TEXT,
		callback_url TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		teardown_attempts INTEGER NOT NULL DEFAULT 0,
		from_pool INTEGER NOT NULL DEFAULT 0,
		last_healthy_at DATETIME,
		last_activity_at DATETIME,
		last_heartbeat_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS port_leases (
		port INTEGER PRIMARY KEY,
		owner_id TEXT NOT NULL,
		range_name TEXT,
		leased_at DATETIME NOT NULL,
		expires_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS last_urls (
		session_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL,
		session_id TEXT,
		container_id TEXT,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_daemon_records_status ON daemon_records(status);
	CREATE INDEX IF NOT EXISTS idx_port_leases_owner ON port_leases(owner_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO migrations (version, description) VALUES (?, ?)`,
		schemaVersion, "records, leases, last urls and events")
	return err
}

// SchemaVersion returns the highest applied schema version
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&v)
	return v, err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.Info().Str("database_path", s.dbPath).Msg("Closing SQLite store")
	return s.db.Close()
}

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// exec runs a write statement with a short deadline
func (s *SQLiteStore) exec(query string, args ...interface{}) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
