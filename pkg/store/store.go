// Package store is the persistence layer: SQLite with the sqlite-vec
// extension for vector search and FTS5 for lexical search.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register the vec0 module on every new connection. Must happen before
	// the first sql.Open so the virtual-table DDL in migrations can run.
	sqlite_vec.Auto()
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string

	// Logger is the logger for store operations. Defaults to a null logger.
	Logger hclog.Logger
}

// Store wraps the SQLite database and owns the schema.
type Store struct {
	db     *sql.DB
	logger hclog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path and applies
// pending migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("database ready", "path", cfg.Path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// inTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
