// Package store persists the full lineage of a pipeline run — intents,
// specifications, attempts, verifications, survivors, judgments — in a
// single sqlite database. Writes are crash-safe (WAL journal); concurrent
// writers serialize through a bounded busy-retry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lprior-repo/manifest/internal/model"

	_ "modernc.org/sqlite"
)

const (
	busyRetryBudget  = 6
	busyInitialDelay = 25 * time.Millisecond
	busyMaxDelay     = 2 * time.Second
)

// Store is the single shared mutable resource of the pipeline.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path, applies pragmas,
// verifies integrity and runs forward migrations. A corrupt database or an
// unknown future schema version refuses to open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return &model.PipelineError{Kind: model.ErrStorageCorruption, Message: "integrity check failed", Err: err}
	}
	if result != "ok" {
		return &model.PipelineError{Kind: model.ErrStorageCorruption,
			Message: fmt.Sprintf("integrity check: %s", result)}
	}
	return s.migrate()
}

func (s *Store) Close() error { return s.db.Close() }

// withRetry runs fn, retrying on sqlite busy/locked contention with bounded
// exponential backoff. Other errors pass through unchanged.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetryBudget; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(busyInitialDelay) * math.Pow(2, float64(attempt-1)))
			if delay > busyMaxDelay {
				delay = busyMaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return &model.PipelineError{Kind: model.ErrStorageContention,
		Message: fmt.Sprintf("still contended after %d retries", busyRetryBudget), Err: err}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// IsNotFound reports whether err is the store's not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
