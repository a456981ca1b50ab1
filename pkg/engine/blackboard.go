package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
)

// Blackboard is the single source of truth for inference and concept
// status. Entries are keyed by flow index and generation; only the current
// generation of an inference may change.
type Blackboard struct {
	mu sync.RWMutex

	// entries maps flow index -> generation -> entry
	entries map[repository.FlowIndex]map[int]*Entry

	// current is the live generation of each flow index
	current map[repository.FlowIndex]int

	// concepts tracks concept status by name
	concepts map[string]Status

	now func() time.Time
}

// NewBlackboard creates a blackboard with every inference pending at
// generation zero and every concept pending.
func NewBlackboard(plan *Plan) *Blackboard {
	bb := &Blackboard{
		entries:  make(map[repository.FlowIndex]map[int]*Entry),
		current:  make(map[repository.FlowIndex]int),
		concepts: make(map[string]Status),
		now:      time.Now,
	}
	for _, inf := range plan.Inferences.Sorted() {
		bb.entries[inf.FlowIndex] = map[int]*Entry{
			0: {FlowIndex: inf.FlowIndex, Status: StatusPending, UpdatedAt: bb.now()},
		}
		bb.current[inf.FlowIndex] = 0
	}
	for _, c := range plan.Concepts.All() {
		bb.concepts[c.Name] = StatusPending
	}
	return bb
}

func (bb *Blackboard) entry(fi repository.FlowIndex) (*Entry, error) {
	gens, ok := bb.entries[fi]
	if !ok {
		return nil, NewPermanentError("unknown flow index", nil).
			WithCode(ErrCodeNotFound).
			WithResource(fi.String())
	}
	return gens[bb.current[fi]], nil
}

// Entry returns a copy of the current entry of fi.
func (bb *Blackboard) Entry(fi repository.FlowIndex) (Entry, bool) {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	e, err := bb.entry(fi)
	if err != nil {
		return Entry{}, false
	}
	return *e, true
}

// Status returns the current status of fi, or "" when unknown.
func (bb *Blackboard) Status(fi repository.FlowIndex) Status {
	e, ok := bb.Entry(fi)
	if !ok {
		return ""
	}
	return e.Status
}

// Generation returns the current generation of fi.
func (bb *Blackboard) Generation(fi repository.FlowIndex) int {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	return bb.current[fi]
}

// transition moves the current entry of fi to a new status. gen must name
// the current generation; results for a superseded generation are rejected.
func (bb *Blackboard) transition(fi repository.FlowIndex, gen int, to Status, errMsg string) (Entry, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	e, err := bb.entry(fi)
	if err != nil {
		return Entry{}, err
	}
	if gen != bb.current[fi] {
		return Entry{}, NewConflictError(
			fmt.Sprintf("stale generation %d (current %d)", gen, bb.current[fi]), nil).
			WithCode(ErrCodeConflict).
			WithResource(fi.String())
	}
	if !e.Status.CanTransition(to) {
		return Entry{}, NewPermanentError(
			fmt.Sprintf("invalid transition %s -> %s", e.Status, to), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(fi.String())
	}

	e.Status = to
	e.UpdatedAt = bb.now()
	switch to {
	case StatusInProgress:
		e.Attempts++
		e.Error = ""
	case StatusFailed:
		e.Error = errMsg
	}
	return *e, nil
}

// Begin marks the current entry of fi in progress and counts the attempt.
func (bb *Blackboard) Begin(fi repository.FlowIndex) (Entry, error) {
	return bb.transition(fi, bb.Generation(fi), StatusInProgress, "")
}

// Complete marks generation gen of fi completed.
func (bb *Blackboard) Complete(fi repository.FlowIndex, gen int) error {
	_, err := bb.transition(fi, gen, StatusCompleted, "")
	return err
}

// Skip marks generation gen of fi skipped.
func (bb *Blackboard) Skip(fi repository.FlowIndex, gen int) error {
	_, err := bb.transition(fi, gen, StatusSkipped, "")
	return err
}

// Fail marks generation gen of fi failed with a reason.
func (bb *Blackboard) Fail(fi repository.FlowIndex, gen int, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	_, err := bb.transition(fi, gen, StatusFailed, msg)
	return err
}

// Retry moves a failed entry back to pending.
func (bb *Blackboard) Retry(fi repository.FlowIndex, gen int) error {
	_, err := bb.transition(fi, gen, StatusPending, "")
	return err
}

// Abandon releases an in-progress entry whose call was cut short, leaving it
// pending for a later cycle.
func (bb *Blackboard) Abandon(fi repository.FlowIndex, gen int, reason error) error {
	if err := bb.Fail(fi, gen, reason); err != nil {
		return err
	}
	return bb.Retry(fi, gen)
}

// Reset starts a fresh pending generation of fi and returns it. Earlier
// generations stay readable through History.
func (bb *Blackboard) Reset(fi repository.FlowIndex) (int, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	gens, ok := bb.entries[fi]
	if !ok {
		return 0, NewPermanentError("unknown flow index", nil).
			WithCode(ErrCodeNotFound).
			WithResource(fi.String())
	}
	gen := bb.current[fi] + 1
	gens[gen] = &Entry{FlowIndex: fi, Iteration: gen, Status: StatusPending, UpdatedAt: bb.now()}
	bb.current[fi] = gen
	return gen, nil
}

// History returns every generation of fi in order.
func (bb *Blackboard) History(fi repository.FlowIndex) []Entry {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	gens := bb.entries[fi]
	out := make([]Entry, 0, len(gens))
	for _, e := range gens {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out
}

// Entries returns the current entry of every inference in flow order.
func (bb *Blackboard) Entries() []Entry {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	out := make([]Entry, 0, len(bb.entries))
	for fi, gens := range bb.entries {
		out = append(out, *gens[bb.current[fi]])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowIndex.Less(out[j].FlowIndex) })
	return out
}

// Summary counts current entries by status.
func (bb *Blackboard) Summary() Summary {
	var s Summary
	for _, e := range bb.Entries() {
		s.add(e.Status)
	}
	return s
}

// ConceptStatus returns the status of a concept.
func (bb *Blackboard) ConceptStatus(name string) Status {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	return bb.concepts[name]
}

// SetConceptStatus records the status of a concept.
func (bb *Blackboard) SetConceptStatus(name string, st Status) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	bb.concepts[name] = st
}

// ConceptStatuses returns a copy of every concept status.
func (bb *Blackboard) ConceptStatuses() map[string]Status {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	out := make(map[string]Status, len(bb.concepts))
	for k, v := range bb.concepts {
		out[k] = v
	}
	return out
}

// Restore replaces the current entries and concept statuses. Each entry
// becomes the live generation named by its Iteration. Flow indexes missing
// from entries keep their fresh pending state.
func (bb *Blackboard) Restore(entries []Entry, concepts map[string]Status) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	for _, e := range entries {
		gens, ok := bb.entries[e.FlowIndex]
		if !ok {
			continue
		}
		cp := e
		gens[e.Iteration] = &cp
		bb.current[e.FlowIndex] = e.Iteration
	}
	for name, st := range concepts {
		if _, ok := bb.concepts[name]; ok {
			bb.concepts[name] = st
		}
	}
}

// ReferenceStore holds the current value of every concept. Values are
// cloned on the way in and out.
type ReferenceStore struct {
	mu     sync.RWMutex
	values map[string]*reference.Reference
}

// NewReferenceStore creates an empty store.
func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{values: make(map[string]*reference.Reference)}
}

// Get returns a copy of the value of a concept.
func (s *ReferenceStore) Get(name string) (*reference.Reference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[name]
	if !ok || v == nil {
		return nil, false
	}
	return v.Clone(), true
}

// Set stores a copy of ref as the value of a concept.
func (s *ReferenceStore) Set(name string, ref *reference.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref == nil {
		delete(s.values, name)
		return
	}
	s.values[name] = ref.Clone()
}

// Clear removes the value of a concept.
func (s *ReferenceStore) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Snapshot returns a deep copy of every value.
func (s *ReferenceStore) Snapshot() map[string]*reference.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*reference.Reference, len(s.values))
	for k, v := range s.values {
		out[k] = v.Clone()
	}
	return out
}

// Restore replaces every value with a copy of values.
func (s *ReferenceStore) Restore(values map[string]*reference.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string]*reference.Reference, len(values))
	for k, v := range values {
		if v != nil {
			s.values[k] = v.Clone()
		}
	}
}

// Workspace holds armed loop state and the per-iteration results each loop
// has recorded so far.
type Workspace struct {
	mu      sync.Mutex
	loops   map[repository.FlowIndex]*LoopState
	entries map[repository.FlowIndex]map[int]WorkspaceEntry
}

// NewWorkspace creates an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		loops:   make(map[repository.FlowIndex]*LoopState),
		entries: make(map[repository.FlowIndex]map[int]WorkspaceEntry),
	}
}

// Loop returns the state of an armed loop.
func (w *Workspace) Loop(fi repository.FlowIndex) (LoopState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.loops[fi]
	if !ok {
		return LoopState{}, false
	}
	return *l, true
}

// SetLoop records loop state.
func (w *Workspace) SetLoop(state LoopState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := state
	w.loops[state.FlowIndex] = &cp
}

// Drop discards the state and recorded iterations of a loop.
func (w *Workspace) Drop(fi repository.FlowIndex) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.loops, fi)
	delete(w.entries, fi)
}

// Record stores the result of one iteration, replacing an earlier record
// for the same iteration.
func (w *Workspace) Record(fi repository.FlowIndex, entry WorkspaceEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.entries[fi] == nil {
		w.entries[fi] = make(map[int]WorkspaceEntry)
	}
	w.entries[fi][entry.Iteration] = cloneWorkspaceEntry(entry)
}

// Entries returns the recorded iterations of a loop in order.
func (w *Workspace) Entries(fi repository.FlowIndex) []WorkspaceEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedEntries(fi)
}

func (w *Workspace) sortedEntries(fi repository.FlowIndex) []WorkspaceEntry {
	out := make([]WorkspaceEntry, 0, len(w.entries[fi]))
	for _, e := range w.entries[fi] {
		out = append(out, cloneWorkspaceEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out
}

// Loops returns every armed loop in flow order.
func (w *Workspace) Loops() []LoopState {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]LoopState, 0, len(w.loops))
	for _, l := range w.loops {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowIndex.Less(out[j].FlowIndex) })
	return out
}

// Snapshot returns recorded iterations of every loop.
func (w *Workspace) Snapshot() map[repository.FlowIndex][]WorkspaceEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[repository.FlowIndex][]WorkspaceEntry, len(w.entries))
	for fi := range w.entries {
		out[fi] = w.sortedEntries(fi)
	}
	return out
}

// Restore replaces the workspace content.
func (w *Workspace) Restore(loops []LoopState, entries map[repository.FlowIndex][]WorkspaceEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.loops = make(map[repository.FlowIndex]*LoopState, len(loops))
	for _, l := range loops {
		cp := l
		w.loops[l.FlowIndex] = &cp
	}
	w.entries = make(map[repository.FlowIndex]map[int]WorkspaceEntry, len(entries))
	for fi, list := range entries {
		w.entries[fi] = make(map[int]WorkspaceEntry, len(list))
		for _, e := range list {
			w.entries[fi][e.Iteration] = cloneWorkspaceEntry(e)
		}
	}
}

func cloneWorkspaceEntry(e WorkspaceEntry) WorkspaceEntry {
	out := WorkspaceEntry{Iteration: e.Iteration, Values: make(map[string]*reference.Reference, len(e.Values))}
	for k, v := range e.Values {
		if v != nil {
			out.Values[k] = v.Clone()
		}
	}
	return out
}
