package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a checkpoint is written twice for the same (run, cycle).
var ErrAlreadyExists = errors.New("already exists")

// Backend names a checkpoint store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
	BackendBadger Backend = "badger"
)

// RunRecord is the persisted header of a run.
type RunRecord struct {
	ID          string     `json:"id"`
	PlanName    string     `json:"plan_name"`
	Status      string     `json:"status"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	ForkedCycle int        `json:"forked_cycle,omitempty"`
	Cycle       int        `json:"cycle"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CheckpointRecord is one immutable snapshot. Payload is opaque to the store;
// Checksum is computed by the writer and verified by the reader.
type CheckpointRecord struct {
	RunID     string    `json:"run_id"`
	Cycle     int       `json:"cycle"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
	Payload   []byte    `json:"payload"`
}

// Info returns the listing view of the record.
func (r *CheckpointRecord) Info() CheckpointInfo {
	return CheckpointInfo{
		RunID:     r.RunID,
		Cycle:     r.Cycle,
		CreatedAt: r.CreatedAt,
		Checksum:  r.Checksum,
		Size:      len(r.Payload),
	}
}

// CheckpointInfo describes a checkpoint without its payload.
type CheckpointInfo struct {
	RunID     string    `json:"run_id"`
	Cycle     int       `json:"cycle"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
}

// Store defines the interface for the checkpoint persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error

	// Checkpoint operations. A negative cycle loads the latest checkpoint.
	SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, runID string, cycle int) (*CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error)

	// Run operations. SaveRun inserts or updates.
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
