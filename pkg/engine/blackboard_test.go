package engine

import (
	"errors"
	"testing"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
)

func newTestBlackboard(t *testing.T) *Blackboard {
	t.Helper()
	plan := buildPlan(t,
		[]repository.Concept{object("a"), final("b")},
		[]repository.Inference{
			compute("1", "a", "one"),
			compute("2", "b", "add", "a"),
		})
	return NewBlackboard(plan)
}

func TestBlackboard_InitialState(t *testing.T) {
	bb := newTestBlackboard(t)

	for _, fi := range []repository.FlowIndex{"1", "2"} {
		if st := bb.Status(fi); st != StatusPending {
			t.Errorf("Expected %s pending, got %s", fi, st)
		}
		if gen := bb.Generation(fi); gen != 0 {
			t.Errorf("Expected generation 0 for %s, got %d", fi, gen)
		}
	}
	if st := bb.ConceptStatus("b"); st != StatusPending {
		t.Errorf("Expected concept b pending, got %s", st)
	}
	if st := bb.Status("9"); st != "" {
		t.Errorf("Expected unknown flow index to have no status, got %s", st)
	}

	s := bb.Summary()
	if s.Total != 2 || s.Pending != 2 {
		t.Errorf("Unexpected summary: %+v", s)
	}
}

func TestBlackboard_Lifecycle(t *testing.T) {
	bb := newTestBlackboard(t)

	entry, err := bb.Begin("1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if entry.Status != StatusInProgress || entry.Attempts != 1 {
		t.Errorf("Unexpected entry after Begin: %+v", entry)
	}

	// a second dispatch of the same entry is rejected
	if _, err := bb.Begin("1"); err == nil {
		t.Error("Expected error beginning an in-progress entry")
	}

	if err := bb.Complete("1", entry.Iteration); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := bb.Complete("1", entry.Iteration); err == nil {
		t.Error("Expected error completing twice")
	}
	if err := bb.Skip("1", entry.Iteration); err == nil {
		t.Error("Expected error skipping a completed entry")
	}
}

func TestBlackboard_RetryAndAbandon(t *testing.T) {
	bb := newTestBlackboard(t)

	entry, _ := bb.Begin("1")
	if err := bb.Fail("1", entry.Iteration, errors.New("flaky")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	failed, _ := bb.Entry("1")
	if failed.Error != "flaky" {
		t.Errorf("Expected error message to be recorded, got %q", failed.Error)
	}
	if err := bb.Retry("1", entry.Iteration); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	entry, _ = bb.Begin("1")
	if entry.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", entry.Attempts)
	}
	if entry.Error != "" {
		t.Errorf("Expected error cleared on begin, got %q", entry.Error)
	}

	if err := bb.Abandon("1", entry.Iteration, nil); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if st := bb.Status("1"); st != StatusPending {
		t.Errorf("Expected abandoned entry pending, got %s", st)
	}
}

func TestBlackboard_ResetWritesFreshGeneration(t *testing.T) {
	bb := newTestBlackboard(t)

	entry, _ := bb.Begin("1")
	_ = bb.Complete("1", entry.Iteration)

	gen, err := bb.Reset("1")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}
	if st := bb.Status("1"); st != StatusPending {
		t.Errorf("Expected pending after reset, got %s", st)
	}

	// results for the superseded generation are rejected
	err = bb.Complete("1", 0)
	if err == nil {
		t.Fatal("Expected stale generation error")
	}
	if !IsConflict(err) || CodeOf(err) != ErrCodeConflict {
		t.Errorf("Expected conflict with conflict code, got %v", err)
	}
	if err := bb.Fail("1", 0, errors.New("late")); CodeOf(err) != ErrCodeConflict {
		t.Errorf("Expected stale failure to be a conflict, got %v", err)
	}

	history := bb.History("1")
	if len(history) != 2 {
		t.Fatalf("Expected 2 generations, got %d", len(history))
	}
	if history[0].Status != StatusCompleted || history[1].Status != StatusPending {
		t.Errorf("Unexpected history: %+v", history)
	}
}

func TestBlackboard_Restore(t *testing.T) {
	bb := newTestBlackboard(t)

	bb.Restore([]Entry{
		{FlowIndex: "1", Iteration: 2, Status: StatusCompleted, Attempts: 1},
		{FlowIndex: "7", Iteration: 0, Status: StatusCompleted},
	}, map[string]Status{"a": StatusCompleted, "unknown": StatusCompleted})

	if gen := bb.Generation("1"); gen != 2 {
		t.Errorf("Expected restored generation 2, got %d", gen)
	}
	if st := bb.Status("1"); st != StatusCompleted {
		t.Errorf("Expected restored status completed, got %s", st)
	}
	if st := bb.Status("2"); st != StatusPending {
		t.Errorf("Expected untouched entry pending, got %s", st)
	}
	if _, ok := bb.ConceptStatuses()["unknown"]; ok {
		t.Error("Restore should ignore concepts the plan does not define")
	}
}

func TestReferenceStore_ClonesValues(t *testing.T) {
	store := NewReferenceStore()
	ref, _ := reference.New([]string{"n"}, []int{2}, []reference.Element{
		reference.Literal(1), reference.Literal(2),
	})
	store.Set("a", ref)

	_ = ref.Set(reference.Selector{"n": 0}, reference.Literal(99))
	got, ok := store.Get("a")
	if !ok {
		t.Fatal("Expected value for a")
	}
	if n, _ := got.Elements()[0].Int(); n != 1 {
		t.Errorf("Store value changed through caller's reference: %v", got)
	}

	_ = got.Set(reference.Selector{"n": 1}, reference.Literal(42))
	again, _ := store.Get("a")
	if n, _ := again.Elements()[1].Int(); n != 2 {
		t.Errorf("Store value changed through returned reference: %v", again)
	}

	store.Set("a", nil)
	if _, ok := store.Get("a"); ok {
		t.Error("Setting nil should delete the value")
	}
}

func TestWorkspace_RecordAndDrop(t *testing.T) {
	ws := NewWorkspace()
	ws.SetLoop(LoopState{FlowIndex: "1", Index: 0, Extent: 2})
	ws.Record("1", WorkspaceEntry{Iteration: 1, Values: map[string]*reference.Reference{"x": intRef(2)}})
	ws.Record("1", WorkspaceEntry{Iteration: 0, Values: map[string]*reference.Reference{"x": intRef(1)}})

	entries := ws.Entries("1")
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Iteration != 0 || entries[1].Iteration != 1 {
		t.Errorf("Expected entries in iteration order, got %d, %d", entries[0].Iteration, entries[1].Iteration)
	}
	if len(ws.Loops()) != 1 {
		t.Errorf("Expected 1 armed loop, got %d", len(ws.Loops()))
	}

	ws.Drop("1")
	if len(ws.Entries("1")) != 0 || len(ws.Loops()) != 0 {
		t.Error("Expected workspace to be empty after drop")
	}
}
