package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/stores"
)

const sumPlan = `
name: sum
concepts:
  - name: numbers
    kind: object
    is_ground: true
    axes: [n]
    value: [3, 8, 15]
  - name: sum
    kind: function
    value: "%{builtin}sum(sum)"
  - name: total
    kind: object
    is_final: true
inferences:
  - flow_index: "1"
    concept_to_infer: total
    function_concept: sum
    value_concepts: [numbers]
    sequence_kind: compute
`

const cyclicPlan = `
name: cyclic
concepts:
  - name: a
    kind: object
  - name: b
    kind: object
    is_final: true
inferences:
  - flow_index: "1"
    concept_to_infer: a
    value_concepts: [b]
    sequence_kind: assigning
  - flow_index: "2"
    concept_to_infer: b
    value_concepts: [a]
    sequence_kind: assigning
`

// workspace writes a config and a plan into a temp dir and returns the
// global flags pointing at them plus the database path.
func workspace(t *testing.T, plan string) ([]string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "tessera.db")

	cfg := "store:\n  backend: sqlite\n  path: " + db + "\n" +
		"telemetry:\n  logging:\n    level: error\n  events:\n    enabled: false\n"
	cfgPath := filepath.Join(dir, "tessera.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(plan), 0o644))

	return []string{"--config", cfgPath, "--plan", planPath, "--json"}, db
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand("test", "none", "now")
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func openTestStore(t *testing.T, db string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: db})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func latestCheckpoint(t *testing.T, store *stores.SQLiteStore, runID string) *engine.Checkpoint {
	t.Helper()
	rec, err := store.LoadCheckpoint(context.Background(), runID, -1)
	require.NoError(t, err)
	cp, err := engine.DecodeCheckpoint(rec)
	require.NoError(t, err)
	return cp
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(engine.NewPlanDefinitionError("bad plan", nil)))
	assert.Equal(t, 3, ExitCode(engine.NewDeadlockError(4, []string{"1"})))
	assert.Equal(t, 4, ExitCode(engine.NewReconciliationConflictError("mismatch", nil)))
}

func TestStartRunsToCompletion(t *testing.T) {
	flags, db := workspace(t, sumPlan)

	require.NoError(t, execute(t, append([]string{"start", "--run-id", "demo"}, flags...)...))

	store := openTestStore(t, db)
	run, err := store.GetRun(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, string(engine.RunStatusSucceeded), run.Status)

	cp := latestCheckpoint(t, store, "demo")
	assert.Equal(t, []string{"total"}, cp.Finals)
	assert.Equal(t, engine.StatusCompleted, cp.Concepts["total"])
	n, ok := cp.References["total"].Elements()[0].Int()
	require.True(t, ok)
	assert.Equal(t, int64(26), n)
}

func TestDetachedStartThenStep(t *testing.T) {
	flags, db := workspace(t, sumPlan)

	require.NoError(t, execute(t, append([]string{"start", "--run-id", "demo", "--detach"}, flags...)...))

	store := openTestStore(t, db)
	cp := latestCheckpoint(t, store, "demo")
	assert.Equal(t, 0, cp.Cycle)
	assert.Equal(t, engine.StatusPending, cp.Concepts["total"])

	require.NoError(t, execute(t, append([]string{"step", "demo", "--cycles", "5"}, flags...)...))

	cp = latestCheckpoint(t, store, "demo")
	assert.Greater(t, cp.Cycle, 0)
	assert.Equal(t, engine.StatusCompleted, cp.Concepts["total"])

	require.NoError(t, execute(t, append([]string{"status", "demo"}, flags...)...))
	require.NoError(t, execute(t, append([]string{"checkpoints", "list", "demo"}, flags...)...))

	out := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, execute(t, append([]string{"checkpoints", "export", "demo", "--output", out}, flags...)...))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "demo"`)
}

func TestForkLeavesSourceUntouched(t *testing.T) {
	flags, db := workspace(t, sumPlan)

	require.NoError(t, execute(t, append([]string{"start", "--run-id", "src"}, flags...)...))

	store := openTestStore(t, db)
	before, err := store.ListCheckpoints(context.Background(), "src")
	require.NoError(t, err)

	require.NoError(t, execute(t, append([]string{"fork", "src", "dst"}, flags...)...))

	after, err := store.ListCheckpoints(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	run, err := store.GetRun(context.Background(), "dst")
	require.NoError(t, err)
	assert.Equal(t, "src", run.ParentRunID)
}

func TestValidateRejectsCycle(t *testing.T) {
	flags, _ := workspace(t, cyclicPlan)

	err := execute(t, append([]string{"validate"}, flags...)...)
	require.Error(t, err)
	assert.True(t, engine.IsPlanDefinitionError(err))
	assert.Equal(t, 2, ExitCode(err))
}

func TestValidateAcceptsPlan(t *testing.T) {
	flags, _ := workspace(t, sumPlan)
	require.NoError(t, execute(t, append([]string{"validate", "--signatures"}, flags...)...))
}

func TestResumeRejectsUnknownMode(t *testing.T) {
	flags, _ := workspace(t, sumPlan)
	err := execute(t, append([]string{"resume", "demo", "--mode", "replace"}, flags...)...)
	require.Error(t, err)
}
