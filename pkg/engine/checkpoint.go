package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/stores"
)

// CheckpointVersion is the payload format version written by this engine.
const CheckpointVersion = 1

// Checkpoint is an immutable snapshot of a run at the end of a cycle.
type Checkpoint struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	PlanName  string    `json:"plan_name,omitempty"`
	Cycle     int       `json:"cycle"`
	Timestamp time.Time `json:"timestamp"`

	// Entries holds the current generation of every inference in flow order.
	Entries []Entry `json:"entries"`

	// Concepts holds the status of every concept.
	Concepts map[string]Status `json:"concepts"`

	// References holds the value of every concept that has one.
	References map[string]*reference.Reference `json:"references"`

	// Workspace holds the recorded iterations of armed loops.
	Workspace map[repository.FlowIndex][]WorkspaceEntry `json:"workspace,omitempty"`

	// Loops holds the state of armed loops.
	Loops []LoopState `json:"loops,omitempty"`

	// Log is the tracker slice recorded since the previous checkpoint.
	Log []TrackerEntry `json:"log,omitempty"`

	// LastSeq is the newest tracker sequence number at snapshot time.
	LastSeq int64 `json:"last_seq"`

	// Signatures are the definition signatures the state was computed under.
	Signatures map[repository.FlowIndex]repository.Signature `json:"signatures"`

	// Finals names the plan's final concepts.
	Finals []string `json:"finals,omitempty"`

	Summary Summary `json:"summary"`
}

// EncodeCheckpoint serializes a checkpoint into a store record with a
// blake2b-256 checksum of the payload.
func EncodeCheckpoint(cp *Checkpoint) (*stores.CheckpointRecord, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return &stores.CheckpointRecord{
		RunID:     cp.RunID,
		Cycle:     cp.Cycle,
		CreatedAt: cp.Timestamp,
		Checksum:  hex.EncodeToString(sum[:]),
		Payload:   payload,
	}, nil
}

// DecodeCheckpoint verifies the checksum of a store record and decodes it.
func DecodeCheckpoint(rec *stores.CheckpointRecord) (*Checkpoint, error) {
	sum := blake2b.Sum256(rec.Payload)
	if got := hex.EncodeToString(sum[:]); got != rec.Checksum {
		return nil, NewPermanentError("checkpoint checksum mismatch", nil).
			WithCode(ErrCodeCorruptCheckpoint).
			WithResource(fmt.Sprintf("%s@%d", rec.RunID, rec.Cycle)).
			WithDetail("expected", rec.Checksum).
			WithDetail("actual", got)
	}

	var cp Checkpoint
	if err := json.Unmarshal(rec.Payload, &cp); err != nil {
		return nil, NewPermanentError("failed to decode checkpoint", err).
			WithCode(ErrCodeCorruptCheckpoint).
			WithResource(fmt.Sprintf("%s@%d", rec.RunID, rec.Cycle))
	}
	if cp.Version != CheckpointVersion {
		return nil, NewPermanentError(fmt.Sprintf("unsupported checkpoint version %d", cp.Version), nil).
			WithCode(ErrCodeCorruptCheckpoint)
	}
	return &cp, nil
}

// StateDigest hashes the run state a checkpoint carries: entry statuses,
// concept statuses, values, loop state and workspace. Timestamps, the cycle
// number and the log do not contribute, so two checkpoints of equivalent
// state have equal digests.
func (cp *Checkpoint) StateDigest() string {
	type entryState struct {
		FlowIndex repository.FlowIndex `json:"f"`
		Iteration int                  `json:"i"`
		Status    Status               `json:"s"`
		Attempts  int                  `json:"a"`
	}
	entries := make([]entryState, len(cp.Entries))
	for i, e := range cp.Entries {
		entries[i] = entryState{FlowIndex: e.FlowIndex, Iteration: e.Iteration, Status: e.Status, Attempts: e.Attempts}
	}

	data, _ := json.Marshal(struct {
		Entries    []entryState                                  `json:"e"`
		Concepts   map[string]Status                             `json:"c"`
		References map[string]*reference.Reference               `json:"r"`
		Workspace  map[repository.FlowIndex][]WorkspaceEntry     `json:"w"`
		Loops      []LoopState                                   `json:"l"`
		Signatures map[repository.FlowIndex]repository.Signature `json:"g"`
	}{entries, cp.Concepts, cp.References, cp.Workspace, cp.Loops, cp.Signatures})

	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Snapshot captures the current run state as a checkpoint. The log is
// left empty; the orchestrator attaches the slice since its last save.
func (s *Scheduler) Snapshot() *Checkpoint {
	sigs := make(map[repository.FlowIndex]repository.Signature, len(s.signatures))
	for fi, sig := range s.signatures {
		sigs[fi] = sig
	}
	return &Checkpoint{
		Version:    CheckpointVersion,
		RunID:      s.runID,
		PlanName:   s.plan.Name,
		Cycle:      s.cycle,
		Timestamp:  time.Now().UTC(),
		Entries:    s.bb.Entries(),
		Concepts:   s.bb.ConceptStatuses(),
		References: s.refs.Snapshot(),
		Workspace:  s.ws.Snapshot(),
		Loops:      s.ws.Loops(),
		LastSeq:    s.tracker.LastSeq(),
		Signatures: sigs,
		Finals:     s.plan.Concepts.Finals(),
		Summary:    s.bb.Summary(),
	}
}

// restore loads checkpoint state into the scheduler.
func (s *Scheduler) restore(cp *Checkpoint) {
	s.bb.Restore(cp.Entries, cp.Concepts)
	s.refs.Restore(cp.References)
	s.ws.Restore(cp.Loops, cp.Workspace)
	s.cycle = cp.Cycle
	s.tracker.resume(cp.LastSeq)

	// Concepts the checkpoint does not know keep their fresh seed.
	for _, c := range s.plan.Concepts.All() {
		if _, ok := cp.Concepts[c.Name]; !ok {
			s.seed(c)
		}
	}
}

// releaseInFlight returns in-progress inferences to pending. Armed loops
// with recorded state stay in progress.
func (s *Scheduler) releaseInFlight() {
	for _, e := range s.bb.Entries() {
		if e.Status != StatusInProgress {
			continue
		}
		inf, ok := s.plan.Inferences.Get(e.FlowIndex)
		if !ok {
			continue
		}
		if inf.SequenceKind == repository.SequenceQuantifying {
			if _, armed := s.ws.Loop(e.FlowIndex); armed {
				continue
			}
			s.clearLoopProvided(e.FlowIndex)
		}
		_ = s.bb.Abandon(e.FlowIndex, e.Iteration, nil)
	}
}
