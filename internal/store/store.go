// Package store persists raw statistics rows in DuckDB.
//
// The statistics table holds one row per stored bucket. Rows are written in
// multi-row INSERT chunks and read back ordered by bucket time, ready for
// series.Catalog.Load.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Path is the DuckDB file. Empty opens an in-memory database.
	Path string

	// MemoryLimit is passed to DuckDB's memory_limit setting.
	MemoryLimit string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// QueryTimeout is the default timeout for reads.
	QueryTimeout time.Duration

	// InsertChunk is the number of rows per INSERT statement.
	InsertChunk int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MemoryLimit:  config.DefaultMemoryLimit,
		MaxOpenConns: config.DefaultMaxOpenConns,
		QueryTimeout: config.DefaultQueryTimeout,
		InsertChunk:  config.DefaultInsertChunk,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides statistics row persistence.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at cfg.Path and ensures the
// schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.InsertChunk <= 0 {
		cfg.InsertChunk = config.DefaultInsertChunk
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = config.DefaultMaxOpenConns
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", errors.Join(errors.ErrDatabase, err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", errors.Join(errors.ErrDatabase, err))
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		config: cfg,
		logger: logging.Component("store"),
	}
	s.logger.Debug("store opened", "path", cfg.Path)

	return s, nil
}

// migrate creates the statistics table and its indexes. It is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "statistics",
			sql: `CREATE TABLE IF NOT EXISTS statistics (
				bucket_time     DOUBLE  NOT NULL,
				bucket_size     DOUBLE  NOT NULL,
				bucket_lifetime INTEGER NOT NULL DEFAULT 0,
				bucket_type     VARCHAR NOT NULL,
				bucket_name     VARCHAR NOT NULL,
				bucket_value    DOUBLE  NOT NULL,
				updated_at      BIGINT  NOT NULL
			)`,
		},
		{
			name: "statistics_name_time_idx",
			sql:  `CREATE INDEX IF NOT EXISTS statistics_name_time_idx ON statistics (bucket_name, bucket_time)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, errors.Join(errors.ErrDatabase, err))
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// withTimeout applies the configured query timeout when ctx has no deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
