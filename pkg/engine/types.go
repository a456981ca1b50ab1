package engine

import (
	"time"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
)

// Entry is one blackboard row for an inference. Iteration is the re-arm
// generation: a loop reset writes a fresh entry under the next iteration.
type Entry struct {
	FlowIndex repository.FlowIndex `json:"flow_index"`
	Iteration int                  `json:"iteration"`
	Status    Status               `json:"status"`
	Attempts  int                  `json:"attempts,omitempty"`
	Error     string               `json:"error,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// WorkspaceEntry is the partial result one loop iteration recorded.
type WorkspaceEntry struct {
	Iteration int                             `json:"iteration"`
	Values    map[string]*reference.Reference `json:"values"`
}

// LoopState tracks an armed quantifying inference.
type LoopState struct {
	FlowIndex repository.FlowIndex `json:"flow_index"`
	Index     int                  `json:"index"`
	Extent    int                  `json:"extent"`
}

// Summary counts current blackboard entries by status.
type Summary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (s *Summary) add(st Status) {
	s.Total++
	switch st {
	case StatusPending:
		s.Pending++
	case StatusInProgress:
		s.InProgress++
	case StatusCompleted:
		s.Completed++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// StatusReport is the host-facing view of a run.
type StatusReport struct {
	RunID   string            `json:"run_id"`
	Status  RunStatus         `json:"status"`
	Cycle   int               `json:"cycle"`
	Summary Summary           `json:"summary"`
	Finals  map[string]Status `json:"finals"`
	Failed  []string          `json:"failed,omitempty"`
}

// AgentCall is everything an agent needs to execute one compute inference.
// References are copies; agents may not mutate engine state through them.
type AgentCall struct {
	RunID     string               `json:"run_id"`
	FlowIndex repository.FlowIndex `json:"flow_index"`
	Iteration int                  `json:"iteration"`
	Attempt   int                  `json:"attempt"`

	// Operation is the working-interpretation override, or "" to use Function.
	Operation string `json:"operation,omitempty"`

	// Function is the value of the function concept, when one is declared.
	Function *reference.Reference `json:"function,omitempty"`

	Values       []*reference.Reference `json:"values"`
	ValueNames   []string               `json:"value_names"`
	Context      []*reference.Reference `json:"context,omitempty"`
	ContextNames []string               `json:"context_names,omitempty"`

	IndexAware bool                   `json:"index_aware,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Target returns the resolution strategy and operation name of the call.
// A scalar pointer function selects its strategy and signifier; a literal
// string function or the Operation override names a builtin.
func (c *AgentCall) Target() (reference.Strategy, string) {
	strategy, operation := reference.StrategyBuiltin, c.Operation
	if c.Function != nil && c.Function.Size() == 1 {
		e := c.Function.Elements()[0]
		switch {
		case e.IsPointer():
			strategy = e.Pointer.Strategy
			if operation == "" {
				operation = e.Pointer.Signifier
			}
		case operation == "":
			if v, ok := e.Str(); ok {
				operation = v
			}
		}
	}
	return strategy, operation
}

// ReconcileReport describes what a resume changed.
type ReconcileReport struct {
	Mode       ReconcileMode          `json:"mode"`
	Cycle      int                    `json:"cycle"`
	Changed    []repository.FlowIndex `json:"changed,omitempty"`
	Reverted   []repository.FlowIndex `json:"reverted,omitempty"`
	Restored   []repository.FlowIndex `json:"restored,omitempty"`
	Added      []repository.FlowIndex `json:"added,omitempty"`
	Removed    []repository.FlowIndex `json:"removed,omitempty"`
	Unfinished []repository.FlowIndex `json:"unfinished,omitempty"`
}
