// Package store persists pipeline facts and their daily aggregates in a
// single SQLite database. Fact rows in pipelines are the source of truth;
// daily_stats carries pre-aggregated (day, project, status) cells that the
// upsert path reconciles incrementally and RebuildAggregates can recompute
// from scratch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrStore marks any failure of the persistence layer so callers can treat
// storage trouble uniformly via errors.Is.
var ErrStore = errors.New("store error")

const (
	// maxOpenConns caps the pool; SQLite serializes writers anyway and a
	// small pool keeps reader latency predictable under WAL.
	maxOpenConns = 5

	busyTimeoutMS = 5000
)

// Store wraps the SQLite handle and the per-pipeline write locks.
type Store struct {
	db    *sqlx.DB
	locks keyedLocks
}

// Open opens (creating if needed) the database at path. WAL mode, foreign
// keys, and a busy timeout are applied to every connection through the DSN
// so the pool stays uniform. Transactions start immediate: the upsert path
// reads before it writes, and a deferred begin would turn concurrent
// writers into busy-snapshot failures instead of queueing them.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMS)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStore, path, err)
	}

	db.SetMaxOpenConns(maxOpenConns)

	return &Store{db: db}, nil
}

// newWithDB wires a Store around an existing handle; tests use it to inject
// mock connections.
func newWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Init applies the schema, runs column migrations for databases created by
// older builds, and seeds the poll watermark when none is recorded yet.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: apply schema: %w", ErrStore, err)
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	return s.seedWatermark(ctx)
}

// Ping verifies the database file is reachable and writable enough to serve.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStore, err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrStore, err)
	}

	return nil
}

// CountPipelines reports the number of fact rows; zero means a fresh
// install and triggers the blocking first backfill.
func (s *Store) CountPipelines(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pipelines`); err != nil {
		return 0, fmt.Errorf("%w: count pipelines: %w", ErrStore, err)
	}

	return n, nil
}

// CountDailyStats reports the number of aggregate cells; zero with facts
// present means the aggregates need an initial rebuild.
func (s *Store) CountDailyStats(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM daily_stats`); err != nil {
		return 0, fmt.Errorf("%w: count daily stats: %w", ErrStore, err)
	}

	return n, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
