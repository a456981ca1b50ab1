package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/stores"
)

// sumPlan computes total = a + b from two leaves; op1 names the operation
// of leaf 1.1.
func sumPlan(t *testing.T, op1 string, extra ...repository.Inference) *Plan {
	concepts := []repository.Concept{object("a"), object("b"), final("total"), object("c")}
	inferences := append([]repository.Inference{
		compute("1", "total", "add", "a", "b"),
		compute("1.1", "a", op1),
		compute("1.2", "b", "two"),
	}, extra...)
	return buildPlan(t, concepts, inferences)
}

func newTestOrchestrator(t *testing.T, plan *Plan, agent Agent, store CheckpointStore, inputs map[string]*reference.Reference) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Plan:    plan,
		Agent:   agent,
		Store:   store,
		Options: fastOptions(),
		Inputs:  inputs,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return orch
}

func TestNewOrchestrator_Validation(t *testing.T) {
	plan := sumPlan(t, "one")
	store := newTestStore(t)

	tests := []struct {
		name string
		cfg  OrchestratorConfig
	}{
		{name: "no plan", cfg: OrchestratorConfig{Agent: newMockAgent(), Store: store}},
		{name: "no agent", cfg: OrchestratorConfig{Plan: plan, Store: store}},
		{name: "no store", cfg: OrchestratorConfig{Plan: plan, Agent: newMockAgent()}},
		{name: "bad options", cfg: OrchestratorConfig{Plan: plan, Agent: newMockAgent(), Store: store,
			Options: Options{MaxRetries: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOrchestrator(tt.cfg); CodeOf(err) != ErrCodeValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestOrchestrator_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)

	runID, err := orch.Start(ctx, "run-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("Expected run-1, got %s", runID)
	}

	report, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
	if report.Finals["total"] != StatusCompleted {
		t.Errorf("Expected total completed, got %s", report.Finals["total"])
	}

	total, ok := orch.Result("total")
	if !ok || intValue(t, total) != 3 {
		t.Errorf("Expected total = 3, got %v", total)
	}
	if finals := orch.Finals(); len(finals) != 1 {
		t.Errorf("Expected 1 final value, got %d", len(finals))
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != string(RunStatusSucceeded) || run.CompletedAt == nil {
		t.Errorf("Unexpected run record: %+v", run)
	}

	infos, err := orch.ListCheckpoints(ctx, runID)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != report.Cycle+1 {
		t.Errorf("Expected %d checkpoints, got %d", report.Cycle+1, len(infos))
	}
	if infos[0].Cycle != 0 {
		t.Errorf("Expected the first checkpoint at cycle 0, got %d", infos[0].Cycle)
	}
}

func TestOrchestrator_StartGeneratesRunID(t *testing.T) {
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), newTestStore(t), nil)

	runID, err := orch.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if runID == "" || orch.RunID() != runID {
		t.Errorf("Expected a generated run id, got %q", runID)
	}
}

func TestOrchestrator_StartRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)

	if _, err := orch.Start(ctx, "dup"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := orch.Start(ctx, "dup")
	if CodeOf(err) != ErrCodeAlreadyExists {
		t.Errorf("Expected already exists, got %v", err)
	}
}

func TestOrchestrator_StartValidatesInputs(t *testing.T) {
	plan := buildPlan(t, loopConcepts(), loopInferences())

	tests := []struct {
		name   string
		inputs map[string]*reference.Reference
	}{
		{name: "missing ground input", inputs: nil},
		{name: "unknown concept", inputs: map[string]*reference.Reference{
			"numbers": numbersRef(t, 1), "bogus": intRef(1)}},
		{name: "not ground", inputs: map[string]*reference.Reference{
			"numbers": numbersRef(t, 1), "acc": intRef(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := newTestOrchestrator(t, plan, newMockAgent(), newTestStore(t), tt.inputs)
			_, err := orch.Start(context.Background(), "")
			if !IsPlanDefinitionError(err) {
				t.Errorf("Expected plan definition error, got %v", err)
			}
		})
	}
}

func TestOrchestrator_StepBeforeStart(t *testing.T) {
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), newTestStore(t), nil)
	if _, err := orch.Step(context.Background()); CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestOrchestrator_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	plan := buildPlan(t, loopConcepts(), loopInferences())
	inputs := map[string]*reference.Reference{"numbers": numbersRef(t, 3, 8, 15)}
	orch := newTestOrchestrator(t, plan, newMockAgent(), newTestStore(t), inputs)

	runID, err := orch.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for {
		done, err := orch.Step(ctx)
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		live, _ := orch.Snapshot()
		saved, err := orch.ExportCheckpoint(ctx, runID, -1)
		if err != nil {
			t.Fatalf("ExportCheckpoint failed: %v", err)
		}
		if saved.Cycle != live.Cycle {
			t.Fatalf("Expected latest checkpoint at cycle %d, got %d", live.Cycle, saved.Cycle)
		}
		if saved.StateDigest() != live.StateDigest() {
			t.Fatalf("Cycle %d: persisted state differs from live state", live.Cycle)
		}
		if done {
			break
		}
	}
}

func TestOrchestrator_FatalErrorKeepsLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inf := compute("2", "c", "boom")
	inf.Critical = true
	orch := newTestOrchestrator(t, sumPlan(t, "one", inf), newMockAgent(), store, nil)

	runID, err := orch.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	report, err := orch.Run(ctx)
	if err == nil {
		t.Fatal("Expected fatal error")
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", report.Status)
	}

	infos, _ := orch.ListCheckpoints(ctx, runID)
	if len(infos) != 1 || infos[0].Cycle != 0 {
		t.Errorf("Expected only the cycle-0 checkpoint, got %+v", infos)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != string(RunStatusFailed) || run.Error == nil {
		t.Errorf("Expected failed run record with an error, got %+v", run)
	}
}

func TestOrchestrator_ResumePatchRevertsChangedClosure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)

	runID, err := first.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	agent := newMockAgent()
	second := newTestOrchestrator(t, sumPlan(t, "three"), agent, store, nil)
	report, err := second.Resume(ctx, runID, -1, ReconcilePatch)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if len(report.Changed) != 1 || report.Changed[0] != "1.1" {
		t.Errorf("Expected only 1.1 changed, got %v", report.Changed)
	}
	if len(report.Reverted) != 2 || report.Reverted[0] != "1" || report.Reverted[1] != "1.1" {
		t.Errorf("Expected 1 and 1.1 reverted, got %v", report.Reverted)
	}
	sched := second.Scheduler()
	if st := sched.Blackboard().Status("1.2"); st != StatusCompleted {
		t.Errorf("Expected 1.2 to keep its completed status, got %s", st)
	}
	for _, fi := range []repository.FlowIndex{"1", "1.1"} {
		if st := sched.Blackboard().Status(fi); st != StatusPending {
			t.Errorf("Expected %s pending, got %s", fi, st)
		}
	}

	result, err := second.Run(ctx)
	if err != nil {
		t.Fatalf("Run after resume failed: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Status)
	}
	total, _ := second.Result("total")
	if got := intValue(t, total); got != 5 {
		t.Errorf("Expected total = 5, got %d", got)
	}
	if agent.count("1.2", 0) != 0 {
		t.Error("Unchanged inference should not be re-executed")
	}
	if agent.count("1.1", 1) != 1 || agent.count("1", 1) != 1 {
		t.Errorf("Expected reverted inferences to run once in a fresh generation, got %v", agent.calls)
	}
}

func TestOrchestrator_ResumeOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)
	runID, _ := first.Start(ctx, "")
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t.Run("incompatible plan", func(t *testing.T) {
		orch := newTestOrchestrator(t, sumPlan(t, "one", compute("2", "c", "one")), newMockAgent(), store, nil)
		_, err := orch.Resume(ctx, runID, -1, ReconcileOverwrite)
		if !IsReconciliationConflictError(err) {
			t.Errorf("Expected reconciliation conflict, got %v", err)
		}
	})

	t.Run("changed definition is trusted", func(t *testing.T) {
		agent := newMockAgent()
		orch := newTestOrchestrator(t, sumPlan(t, "three"), agent, store, nil)
		report, err := orch.Resume(ctx, runID, -1, ReconcileOverwrite)
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if len(report.Unfinished) != 0 {
			t.Errorf("Expected nothing unfinished, got %v", report.Unfinished)
		}
		if _, err := orch.Run(ctx); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		total, _ := orch.Result("total")
		if got := intValue(t, total); got != 3 {
			t.Errorf("Expected the checkpointed total 3, got %d", got)
		}
		if agent.total() != 0 {
			t.Errorf("Expected no agent calls, got %d", agent.total())
		}
	})
}

func TestOrchestrator_ResumeFillGaps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)
	runID, _ := first.Start(ctx, "")
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	agent := newMockAgent()
	orch := newTestOrchestrator(t, sumPlan(t, "three"), agent, store, nil)
	report, err := orch.Resume(ctx, runID, -1, ReconcileFillGaps)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if len(report.Unfinished) != 2 || report.Unfinished[0] != "1" || report.Unfinished[1] != "1.1" {
		t.Errorf("Expected 1 and 1.1 unfinished, got %v", report.Unfinished)
	}
	if len(report.Restored) != 1 || report.Restored[0] != "1.2" {
		t.Errorf("Expected only 1.2 restored, got %v", report.Restored)
	}
	if got := orch.Scheduler().Outcome(); got == RunStatusSucceeded {
		t.Errorf("Expected an unfinished outcome while 1.1 is pending, got %s", got)
	}
	if orch.Scheduler().Done() {
		t.Error("Run must not be done while the changed inference is pending")
	}

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Status)
	}
	if agent.count("1.1", 0) != 1 || agent.count("1", 0) != 1 || agent.total() != 2 {
		t.Errorf("Expected 1.1 and its consumer to run once, got %v", agent.calls)
	}
	if agent.count("1.2", 0) != 0 {
		t.Error("Unchanged leaf should not be re-executed")
	}
	total, _ := orch.Result("total")
	if got := intValue(t, total); got != 5 {
		t.Errorf("Expected total from the fresh definition = 5, got %d", got)
	}
}

func TestOrchestrator_ResumeFillGapsChangedInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	concepts := []repository.Concept{ground("x"), final("doubled")}
	inferences := []repository.Inference{compute("1", "doubled", "double", "x")}

	first := newTestOrchestrator(t, buildPlan(t, concepts, inferences), newMockAgent(), store,
		map[string]*reference.Reference{"x": reference.Scalar(reference.Literal(int64(2)))})
	runID, _ := first.Start(ctx, "")
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	agent := newMockAgent()
	orch := newTestOrchestrator(t, buildPlan(t, concepts, inferences), agent, store,
		map[string]*reference.Reference{"x": reference.Scalar(reference.Literal(int64(5)))})
	report, err := orch.Resume(ctx, runID, -1, ReconcileFillGaps)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(report.Changed) != 0 || len(report.Reverted) != 1 || report.Reverted[0] != "1" {
		t.Errorf("Expected 1 reverted for the changed input, got changed=%v reverted=%v", report.Changed, report.Reverted)
	}

	if _, err := orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	doubled, _ := orch.Result("doubled")
	if got := intValue(t, doubled); got != 10 {
		t.Errorf("Expected doubled = 10 from the fresh input, got %d", got)
	}
	if agent.count("1", 0) != 1 {
		t.Errorf("Expected 1 to run once, got %v", agent.calls)
	}
}

func TestOrchestrator_ResumeMissingCheckpoint(t *testing.T) {
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), newTestStore(t), nil)
	_, err := orch.Resume(context.Background(), "nope", -1, ReconcilePatch)
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestOrchestrator_Fork(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), store, nil)
	src, _ := first.Start(ctx, "source")
	if _, err := first.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	orch := newTestOrchestrator(t, sumPlan(t, "three"), newMockAgent(), store, nil)
	if _, _, err := orch.Fork(ctx, src, src, -1); CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected fork onto itself to be rejected, got %v", err)
	}

	dst, report, err := orch.Fork(ctx, src, "", -1)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if dst == "" || dst == src {
		t.Fatalf("Expected a new run id, got %q", dst)
	}
	if len(report.Reverted) != 2 {
		t.Errorf("Expected 2 reverted inferences, got %v", report.Reverted)
	}

	if _, err := orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	total, _ := orch.Result("total")
	if got := intValue(t, total); got != 5 {
		t.Errorf("Expected forked total 5, got %d", got)
	}

	run, err := store.GetRun(ctx, dst)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.ParentRunID != src {
		t.Errorf("Expected parent %s, got %s", src, run.ParentRunID)
	}

	// the source run is untouched
	srcRun, _ := store.GetRun(ctx, src)
	if srcRun.Status != string(RunStatusSucceeded) {
		t.Errorf("Expected source run to stay succeeded, got %s", srcRun.Status)
	}
	cp, err := orch.ExportCheckpoint(ctx, src, -1)
	if err != nil {
		t.Fatalf("ExportCheckpoint failed: %v", err)
	}
	if got := intValue(t, cp.References["total"]); got != 3 {
		t.Errorf("Expected source total to stay 3, got %d", got)
	}

	if _, _, err := orch.Fork(ctx, src, dst, -1); CodeOf(err) != ErrCodeAlreadyExists {
		t.Errorf("Expected fork onto an existing run to be rejected, got %v", err)
	}
}

func TestOrchestrator_CancelCheckpointsAndResumes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	plan := buildPlan(t,
		[]repository.Concept{object("a"), final("b")},
		[]repository.Inference{
			compute("1", "a", "one"),
			compute("2", "b", "add", "a"),
		})

	agent := newMockAgent()
	orch := newTestOrchestrator(t, plan, agent, store, nil)
	agent.hook = func(call *AgentCall) {
		if call.FlowIndex == "1" {
			orch.Cancel()
		}
	}

	runID, err := orch.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	report, err := orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", report.Status)
	}

	// the in-flight call finished and was checkpointed
	cp, err := orch.ExportCheckpoint(ctx, runID, -1)
	if err != nil {
		t.Fatalf("ExportCheckpoint failed: %v", err)
	}
	if cp.Cycle != 1 {
		t.Errorf("Expected final checkpoint at cycle 1, got %d", cp.Cycle)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != string(RunStatusCancelled) {
		t.Errorf("Expected cancelled run record, got %s", run.Status)
	}

	agent.hook = nil
	if _, err := orch.Resume(ctx, runID, -1, ReconcilePatch); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run after resume failed: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", result.Status)
	}
	if agent.count("1", 0) != 1 || agent.count("2", 0) != 1 {
		t.Errorf("Expected each inference to run exactly once, got %v", agent.calls)
	}
}

func TestOrchestrator_ExportMissingCheckpoint(t *testing.T) {
	orch := newTestOrchestrator(t, sumPlan(t, "one"), newMockAgent(), newTestStore(t), nil)
	_, err := orch.ExportCheckpoint(context.Background(), "missing", 0)
	if !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Expected the store error to be wrapped, got %v", err)
	}
}
