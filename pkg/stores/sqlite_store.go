package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds checkpoint store configuration
type Config struct {
	Backend Backend `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=sqlite redis badger"`

	// Path is the SQLite database file or the Badger directory. ":memory:"
	// selects an in-memory database for either backend.
	Path string `mapstructure:"path" yaml:"path"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`

	// Namespace prefixes Redis and Badger keys.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// MemoryPath selects an in-memory database.
const MemoryPath = ":memory:"

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.Migrate(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveCheckpoint writes an immutable checkpoint. Writing the same (run, cycle)
// twice returns ErrAlreadyExists.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	query := `
		INSERT INTO checkpoints (run_id, cycle, created_at, checksum, payload)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Cycle,
		rec.CreatedAt,
		rec.Checksum,
		rec.Payload,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("checkpoint %s@%d: %w", rec.RunID, rec.Cycle, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoint retrieves a checkpoint; a negative cycle selects the latest.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string, cycle int) (*CheckpointRecord, error) {
	query := `
		SELECT run_id, cycle, created_at, checksum, payload
		FROM checkpoints
		WHERE run_id = ? AND cycle = ?
	`
	args := []interface{}{runID, cycle}
	if cycle < 0 {
		query = `
			SELECT run_id, cycle, created_at, checksum, payload
			FROM checkpoints
			WHERE run_id = ?
			ORDER BY cycle DESC
			LIMIT 1
		`
		args = []interface{}{runID}
	}

	rec := &CheckpointRecord{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.RunID,
		&rec.Cycle,
		&rec.CreatedAt,
		&rec.Checksum,
		&rec.Payload,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s@%d: %w", runID, cycle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return rec, nil
}

// ListCheckpoints lists the checkpoints of a run in cycle order
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	query := `
		SELECT run_id, cycle, created_at, checksum, length(payload)
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY cycle ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var info CheckpointInfo
		if err := rows.Scan(&info.RunID, &info.Cycle, &info.CreatedAt, &info.Checksum, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return infos, nil
}

// SaveRun inserts or updates a run record
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, plan_name, status, parent_run_id, forked_cycle, cycle, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cycle = excluded.cycle,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanName,
		run.Status,
		run.ParentRunID,
		run.ForkedCycle,
		run.Cycle,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, plan_name, status, parent_run_id, forked_cycle, cycle, error, created_at, updated_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanName,
		&run.Status,
		&run.ParentRunID,
		&run.ForkedCycle,
		&run.Cycle,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, plan_name, status, parent_run_id, forked_cycle, cycle, error, created_at, updated_at, completed_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.PlanName,
			&run.Status,
			&run.ParentRunID,
			&run.ForkedCycle,
			&run.Cycle,
			&run.Error,
			&run.CreatedAt,
			&run.UpdatedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
