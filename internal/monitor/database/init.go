package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxOpenRetries = 5

// Open connects to the sqlite database at path and applies pending
// migrations. Opening is retried with backoff since a second process may
// hold the write lock during startup.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	log = log.WithField("component", "database")
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	var lastErr error
	for i := 0; i < maxOpenRetries; i++ {
		if i > 0 {
			backoff := time.Duration(100*(1<<uint(i-1))) * time.Millisecond
			log.WithError(lastErr).Warnf("Database init retry %d/%d after %v", i+1, maxOpenRetries, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		db, err := sql.Open("sqlite", path)
		if err != nil {
			lastErr = err
			continue
		}

		// sqlite serializes writers anyway; a single connection also keeps
		// an in-memory database alive for the lifetime of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if path != ":memory:" {
			db.SetConnMaxLifetime(time.Hour)
		}

		if err := configure(ctx, db); err != nil {
			lastErr = err
			closeQuietly(db, log)
			continue
		}

		s := &Store{db: db, log: log, traffic: make(map[int64]int64)}
		if err := s.Migrate(ctx); err != nil {
			lastErr = err
			closeQuietly(db, log)
			continue
		}

		log.WithField("path", path).Info("Database initialized successfully")
		return s, nil
	}

	return nil, fmt.Errorf("failed to initialize database after %d retries: %w", maxOpenRetries, lastErr)
}

func configure(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func closeQuietly(db *sql.DB, log logrus.FieldLogger) {
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("Error closing database")
	}
}

// Migrate applies every embedded migration that is not yet recorded in
// schema_migrations. Each migration runs in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	files, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, file := range files {
		// "001_init.sql" -> 1
		parts := strings.SplitN(file.Name(), "_", 2)
		if len(parts) < 2 {
			s.log.Warnf("Skipping invalid migration file: %s", file.Name())
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			s.log.Warnf("Skipping invalid migration version: %s", file.Name())
			continue
		}

		var exists int
		_ = s.db.QueryRowContext(ctx, "SELECT 1 FROM schema_migrations WHERE version = ?", version).Scan(&exists)
		if exists == 1 {
			continue
		}

		s.log.Infof("Running migration %d: %s", version, file.Name())
		content, err := migrationFS.ReadFile("migrations/" + file.Name())
		if err != nil {
			return err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
