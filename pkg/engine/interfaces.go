package engine

import (
	"context"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/stores"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// Agent executes the operation of a single compute inference.
// Implementations must honor ctx cancellation and deadlines, and should
// return a classified EngineError so the scheduler can decide on retries.
type Agent interface {
	Execute(ctx context.Context, call *AgentCall) (*reference.Reference, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, call *AgentCall) (*reference.Reference, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, call *AgentCall) (*reference.Reference, error) {
	return f(ctx, call)
}

// CheckpointStore persists run records and immutable checkpoints.
// A negative cycle passed to LoadCheckpoint selects the latest checkpoint.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, rec *stores.CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, runID string, cycle int) (*stores.CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string) ([]stores.CheckpointInfo, error)
	SaveRun(ctx context.Context, run *stores.RunRecord) error
	GetRun(ctx context.Context, id string) (*stores.RunRecord, error)
}

// EventPublisher receives process-tracker entries as events.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}
