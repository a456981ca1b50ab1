package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/tessera/pkg/repository"
)

func TestBuildPlan_IndependentLeaves(t *testing.T) {
	plan := buildPlan(t,
		[]repository.Concept{object("a"), object("b"), final("c")},
		[]repository.Inference{
			compute("3", "c", "add", "a", "b"),
			compute("2", "b", "two"),
			compute("1", "a", "one"),
		})

	if len(plan.Levels) != 2 {
		t.Fatalf("Expected 2 levels, got %d: %v", len(plan.Levels), plan.Levels)
	}
	if got := plan.Levels[0]; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("Expected level 0 to be [1 2], got %v", got)
	}
	if got := plan.Levels[1]; len(got) != 1 || got[0] != "3" {
		t.Errorf("Expected level 1 to be [3], got %v", got)
	}

	deps := plan.Dependents("1")
	if len(deps) != 1 || deps[0] != "3" {
		t.Errorf("Expected 1 -> 3, got %v", deps)
	}
	if fi, ok := plan.Producer("c"); !ok || fi != "3" {
		t.Errorf("Expected c to be produced by 3, got %s", fi)
	}
	if len(plan.Signatures) != 3 {
		t.Errorf("Expected 3 signatures, got %d", len(plan.Signatures))
	}
}

func TestBuildPlan_Cycle(t *testing.T) {
	_, err := tryBuildPlan(
		[]repository.Concept{object("a"), object("b")},
		[]repository.Inference{
			compute("1", "a", "add", "b"),
			compute("2", "b", "add", "a"),
		})

	if err == nil {
		t.Fatal("Expected error for circular dependency, got nil")
	}
	if !IsPlanDefinitionError(err) {
		t.Errorf("Expected a plan definition error, got %v", err)
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency message, got %v", err)
	}
}

func TestBuildPlan_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name       string
		concepts   []repository.Concept
		inferences []repository.Inference
		want       string
	}{
		{
			name:       "unknown input",
			concepts:   []repository.Concept{object("a")},
			inferences: []repository.Inference{compute("1", "a", "add", "missing")},
			want:       "unknown concept missing",
		},
		{
			name:       "unknown output",
			concepts:   []repository.Concept{ground("x")},
			inferences: []repository.Inference{compute("1", "nope", "add", "x")},
			want:       "unknown concept nope",
		},
		{
			name:     "double producer",
			concepts: []repository.Concept{object("a")},
			inferences: []repository.Inference{
				compute("1", "a", "one"),
				compute("2", "a", "two"),
			},
			want: "already produced",
		},
		{
			name:       "ground inferred",
			concepts:   []repository.Concept{ground("x")},
			inferences: []repository.Inference{compute("1", "x", "one")},
			want:       "cannot be inferred",
		},
		{
			name:       "input without source",
			concepts:   []repository.Concept{object("a"), object("orphan")},
			inferences: []repository.Inference{compute("1", "a", "add", "orphan")},
			want:       "no producer",
		},
		{
			name:     "duplicate flow index",
			concepts: []repository.Concept{object("a"), object("b")},
			inferences: []repository.Inference{
				compute("1", "a", "one"),
				compute("1", "b", "two"),
			},
			want: "duplicate flow index",
		},
		{
			name:     "gate outside plan",
			concepts: []repository.Concept{ground("flag"), object("g")},
			inferences: []repository.Inference{{
				FlowIndex:      "1",
				ConceptToInfer: "g",
				SequenceKind:   repository.SequenceTiming,
				WorkingInterpretation: repository.WorkingInterpretation{
					Condition: "flag",
					Gate:      "2",
				},
			}},
			want: "unknown flow index 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tryBuildPlan(tt.concepts, tt.inferences)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !IsPlanDefinitionError(err) {
				t.Errorf("Expected a plan definition error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildPlan_DefinitionErrorsAreCollected(t *testing.T) {
	_, err := tryBuildPlan(
		[]repository.Concept{object("a"), object("b")},
		[]repository.Inference{
			compute("1", "a", "add", "x"),
			compute("2", "b", "add", "y"),
		})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var defErrs repository.DefinitionErrors
	if !errors.As(err, &defErrs) {
		t.Fatalf("Expected DefinitionErrors, got %T", err)
	}
	if len(defErrs) != 2 {
		t.Errorf("Expected 2 definition errors, got %d: %v", len(defErrs), defErrs)
	}
}

func TestBuildPlan_LoopEdges(t *testing.T) {
	plan := buildPlan(t, loopConcepts(), loopInferences())

	// the body runs before the loop completes
	deps := plan.Dependents("1.1")
	found := false
	for _, d := range deps {
		if d == "1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected edge 1.1 -> 1, got %v", deps)
	}

	if loop, ok := plan.ProvidingLoop("item"); !ok || loop != "1" {
		t.Errorf("Expected item to be provided by loop 1, got %s", loop)
	}
	if loop, ok := plan.ProvidingLoop("acc_prev"); !ok || loop != "1" {
		t.Errorf("Expected acc_prev to be provided by loop 1, got %s", loop)
	}
}

func TestBuildPlan_LoopProvidedOutsideLoop(t *testing.T) {
	concepts := append(loopConcepts(), object("leak"))
	inferences := append(loopInferences(), compute("2", "leak", "add", "item"))

	_, err := tryBuildPlan(concepts, inferences)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "only available inside loop 1") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPlan_Downstream(t *testing.T) {
	plan := buildPlan(t,
		[]repository.Concept{object("a"), object("b"), object("c"), final("d")},
		[]repository.Inference{
			compute("1", "a", "one"),
			compute("2", "b", "add", "a"),
			compute("3", "c", "two"),
			compute("4", "d", "add", "b", "c"),
		})

	got := plan.Downstream([]repository.FlowIndex{"2"})
	for _, fi := range []repository.FlowIndex{"2", "4"} {
		if !got[fi] {
			t.Errorf("Expected %s in downstream closure", fi)
		}
	}
	for _, fi := range []repository.FlowIndex{"1", "3"} {
		if got[fi] {
			t.Errorf("Did not expect %s in downstream closure", fi)
		}
	}
}

func TestPlan_DownstreamPullsLoopBody(t *testing.T) {
	plan := buildPlan(t, loopConcepts(), loopInferences())

	got := plan.Downstream([]repository.FlowIndex{"1"})
	if !got["1"] || !got["1.1"] {
		t.Errorf("Expected loop and body in closure, got %v", got)
	}
}

func TestDiffPlans(t *testing.T) {
	concepts := []repository.Concept{object("a"), object("b"), object("c"), final("d")}
	prev := buildPlan(t, concepts, []repository.Inference{
		compute("1", "a", "one"),
		compute("2", "b", "add", "a"),
		compute("3", "c", "two"),
		compute("4", "d", "add", "b", "c"),
	})

	same := buildPlan(t, concepts, []repository.Inference{
		compute("1", "a", "one"),
		compute("2", "b", "add", "a"),
		compute("3", "c", "two"),
		compute("4", "d", "add", "b", "c"),
	})
	if d := DiffPlans(prev, same); !d.Empty() || len(d.Reverted) != 0 {
		t.Errorf("Expected empty diff for identical plans, got %+v", d)
	}

	cur := buildPlan(t, concepts, []repository.Inference{
		compute("1", "a", "one"),
		compute("2", "b", "double", "a"),
		compute("3", "c", "two"),
		compute("4", "d", "add", "b", "c"),
	})
	d := DiffPlans(prev, cur)
	if d.Empty() {
		t.Fatal("Expected a non-empty diff")
	}
	if len(d.Changed) != 1 || d.Changed[0] != "2" {
		t.Errorf("Changed = %v, want [2]", d.Changed)
	}
	want := []repository.FlowIndex{"2", "4"}
	if len(d.Reverted) != len(want) {
		t.Fatalf("Reverted = %v, want %v", d.Reverted, want)
	}
	for i := range want {
		if d.Reverted[i] != want[i] {
			t.Errorf("Reverted[%d] = %s, want %s", i, d.Reverted[i], want[i])
		}
	}
}

func TestPlan_ToDOT(t *testing.T) {
	plan := buildPlan(t,
		[]repository.Concept{object("a"), final("b")},
		[]repository.Inference{
			compute("1", "a", "one"),
			compute("2", "b", "add", "a"),
		})

	dot := plan.ToDOT()

	if !strings.Contains(dot, "digraph Plan") {
		t.Error("DOT output should contain 'digraph Plan'")
	}
	if !strings.Contains(dot, `"1" -> "2"`) {
		t.Error("DOT output should contain edge 1 -> 2")
	}
	if !strings.Contains(dot, "lightblue") {
		t.Error("DOT output should color compute inferences")
	}
}

// loopConcepts and loopInferences describe a running sum over numbers.
func loopConcepts() []repository.Concept {
	return []repository.Concept{
		{Name: "numbers", Kind: repository.ConceptObject, IsGround: true, Axes: []string{"n"}},
		object("item"),
		{Name: "acc", Kind: repository.ConceptObject, IsInvariant: true, Value: 0},
		{Name: "acc_prev", Kind: repository.ConceptObject, PreviousOf: "acc"},
		final("sums"),
	}
}

func loopInferences() []repository.Inference {
	return []repository.Inference{
		{
			FlowIndex:      "1",
			ConceptToInfer: "sums",
			SequenceKind:   repository.SequenceQuantifying,
			WorkingInterpretation: repository.WorkingInterpretation{
				LoopBase:       "numbers",
				LoopAxis:       "n",
				CurrentElement: "item",
				Collect:        "acc",
				NewAxis:        "iter",
			},
		},
		compute("1.1", "acc", "add", "acc_prev", "item"),
	}
}
