// Package store implements durable persistence for taskweave on SQLite.
// One LocalStore backs every component: patterns, workers, sessions and tasks,
// handoffs, learnings, performance metrics and executions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskweave/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Options configures a LocalStore.
type Options struct {
	// Driver is the database/sql driver name: "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
	Driver       string
	MaxRetries   int
	RetryBackoff time.Duration
	BusyTimeout  int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{Driver: "sqlite", MaxRetries: 3, RetryBackoff: 50 * time.Millisecond, BusyTimeout: 5000}
}

// LocalStore is the SQLite-backed durable store.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	opts   Options
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string, opts Options) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5000
	}

	logging.Store("Initializing LocalStore at path: %s (driver=%s)", path, opts.Driver)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(opts.Driver, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	store := &LocalStore{db: db, dbPath: path, opts: opts}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	patternsTable := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		category TEXT NOT NULL,
		input_signature TEXT NOT NULL,
		response_template TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(worker_id, category, input_signature)
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_worker ON patterns(worker_id);
	`

	workersTable := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		specialties TEXT NOT NULL DEFAULT '[]',
		max_capacity INTEGER NOT NULL,
		current_task_count INTEGER NOT NULL DEFAULT 0,
		average_task_minutes REAL NOT NULL DEFAULT 0,
		efficiency_score REAL NOT NULL DEFAULT 0.5,
		last_assigned_at INTEGER NOT NULL DEFAULT 0
	);
	`

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		coordinator TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

	taskColumns := `
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		description TEXT NOT NULL,
		required_specialties TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		assigned_worker TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0`

	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (` + taskColumns + `
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(assigned_worker, status);
	`

	archivedTable := `
	CREATE TABLE IF NOT EXISTS archived_tasks (` + taskColumns + `,
		archived_at INTEGER NOT NULL
	);
	`

	handoffsTable := `
	CREATE TABLE IF NOT EXISTS handoffs (
		id TEXT PRIMARY KEY,
		from_worker TEXT NOT NULL,
		to_worker TEXT NOT NULL,
		task_id TEXT NOT NULL,
		message TEXT,
		deliverables TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_target ON handoffs(to_worker, status);
	`

	learningsTable := `
	CREATE TABLE IF NOT EXISTS learnings (
		worker_id TEXT NOT NULL,
		category TEXT NOT NULL,
		learning_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		confidence REAL NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (worker_id, category, learning_type)
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_confidence ON learnings(confidence);
	`

	sharedTable := `
	CREATE TABLE IF NOT EXISTS shared_learnings (
		target_worker TEXT NOT NULL,
		source_worker TEXT NOT NULL,
		category TEXT NOT NULL,
		learning_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		confidence REAL NOT NULL,
		shared_at INTEGER NOT NULL,
		PRIMARY KEY (target_worker, source_worker, category, learning_type)
	);
	`

	performanceTable := `
	CREATE TABLE IF NOT EXISTS performance (
		worker_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		success_rate REAL NOT NULL DEFAULT 0,
		average_time_ms REAL NOT NULL DEFAULT 0,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		trend TEXT NOT NULL DEFAULT 'stable',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (worker_id, task_type)
	);
	`

	executionsTable := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		coordinator TEXT NOT NULL,
		state TEXT NOT NULL,
		total_tasks INTEGER NOT NULL,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		current_task_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
	`

	for _, table := range []string{
		patternsTable, workersTable, sessionsTable, tasksTable, archivedTable,
		handoffsTable, learningsTable, sharedTable, performanceTable, executionsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore at %s", s.dbPath)
	return s.db.Close()
}

// Path returns the database file path.
func (s *LocalStore) Path() string {
	return s.dbPath
}

// Ping checks the connection.
func (s *LocalStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// write runs fn under the write lock with retry.
func (s *LocalStore) write(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Retry(ctx, op, s.opts.MaxRetries, s.opts.RetryBackoff, fn)
}

// read runs fn under the read lock with retry.
func (s *LocalStore) read(ctx context.Context, op string, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Retry(ctx, op, s.opts.MaxRetries, s.opts.RetryBackoff, fn)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *LocalStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Time values are stored as unix nanoseconds; zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
