package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the blackboard state of an inference or a concept.
type Status string

const (
	// StatusPending indicates the inference has not been dispatched in its current iteration.
	StatusPending Status = "pending"

	// StatusInProgress indicates the inference is dispatched, or an armed loop is iterating.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the output value has been committed.
	StatusCompleted Status = "completed"

	// StatusSkipped indicates a deliberately unexecuted branch; its output is the skip sentinel.
	StatusSkipped Status = "skipped"

	// StatusFailed indicates a permanent failure after retries.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status is completed, skipped or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusSkipped, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// CanTransition reports whether the state machine allows s -> to.
// failed -> pending is the retry edge; nothing leaves completed or skipped.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusSkipped
	case StatusInProgress:
		return to == StatusCompleted || to == StatusSkipped || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but no cycle has executed.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing cycles.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every final concept completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the run finished with failed inferences or skipped finals.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates a fatal error stopped the run.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled and checkpointed.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// ReconcileMode selects how a checkpoint is reconciled with the loaded plan on resume.
type ReconcileMode string

const (
	// ReconcilePatch keeps unchanged inferences and reverts changed ones plus their downstream closure.
	ReconcilePatch ReconcileMode = "patch"

	// ReconcileOverwrite trusts the checkpoint entirely.
	ReconcileOverwrite ReconcileMode = "overwrite"

	// ReconcileFillGaps starts fresh and fills only unchanged items from the checkpoint.
	ReconcileFillGaps ReconcileMode = "fill_gaps"
)

// ParseReconcileMode parses a mode name, case-insensitively. Empty means patch.
func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch m := ReconcileMode(strings.ToLower(strings.ReplaceAll(s, "-", "_"))); m {
	case "":
		return ReconcilePatch, nil
	case ReconcilePatch, ReconcileOverwrite, ReconcileFillGaps:
		return m, nil
	default:
		return "", fmt.Errorf("invalid reconcile mode: %s", s)
	}
}

// DispatchMode selects how ready inferences of one cycle are executed.
type DispatchMode string

const (
	// DispatchBlocking runs one inference at a time in flow order.
	DispatchBlocking DispatchMode = "blocking"

	// DispatchConcurrent fans compute inferences out to bounded workers and fans results in.
	DispatchConcurrent DispatchMode = "concurrent"
)

// Validate checks if the dispatch mode is valid.
func (m DispatchMode) Validate() error {
	switch m {
	case DispatchBlocking, DispatchConcurrent:
		return nil
	default:
		return fmt.Errorf("invalid dispatch mode: %s", m)
	}
}
