package repository

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/tessera/pkg/reference"
)

func TestNewConceptRepository(t *testing.T) {
	repo, err := NewConceptRepository([]Concept{
		{Name: "numbers", Kind: ConceptObject, IsGround: true, Axes: []string{"n"}, Value: []interface{}{3, 8, 15}},
		{Name: "add", Kind: ConceptFunction, Value: "%{builtin}add(add)"},
		{Name: "total", Kind: ConceptObject, IsFinal: true, IsInvariant: true, Value: 0},
		{Name: "total_prev", Kind: ConceptObject, PreviousOf: "total"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, repo.Len())
	assert.Equal(t, []string{"total"}, repo.Finals())

	numbers, ok := repo.Get("numbers")
	require.True(t, ok)
	require.True(t, numbers.HasInitial())
	assert.Equal(t, []int{3}, numbers.Initial().Shape())

	add, _ := repo.Get("add")
	e, err := add.Initial().At(reference.Selector{})
	require.NoError(t, err)
	require.True(t, e.IsPointer())
	assert.Equal(t, reference.StrategyBuiltin, e.Pointer.Strategy)
	assert.Equal(t, "add", e.Pointer.ID)
}

func TestNewConceptRepositoryErrors(t *testing.T) {
	_, err := NewConceptRepository([]Concept{
		{Name: "a", Kind: ConceptObject},
		{Name: "a", Kind: ConceptObject},
		{Name: "b", Kind: "bogus"},
		{Name: "c", Kind: ConceptObject, PreviousOf: "a"},
		{Name: "d", Kind: ConceptObject, Axes: []string{"x"}, Value: []interface{}{[]interface{}{1}, 2}},
	})
	require.Error(t, err)

	var defErrs DefinitionErrors
	require.True(t, errors.As(err, &defErrs))
	assert.Len(t, defErrs, 3)
	assert.Contains(t, err.Error(), "duplicate concept name")
	assert.Contains(t, err.Error(), "not invariant")
}

func TestNewInferenceRepository(t *testing.T) {
	repo, err := NewInferenceRepository([]Inference{
		{FlowIndex: "2", ConceptToInfer: "c", FunctionConcept: "f", SequenceKind: SequenceCompute},
		{FlowIndex: "1.1", ConceptToInfer: "item_sq", FunctionConcept: "f", SequenceKind: SequenceCompute},
		{FlowIndex: "1", ConceptToInfer: "all", SequenceKind: SequenceQuantifying,
			WorkingInterpretation: WorkingInterpretation{LoopBase: "items", LoopAxis: "i", CurrentElement: "item", Collect: "item_sq", NewAxis: "iter"}},
	})
	require.NoError(t, err)

	sorted := repo.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, FlowIndex("1"), sorted[0].FlowIndex)
	assert.Equal(t, FlowIndex("1.1"), sorted[1].FlowIndex)
	assert.Equal(t, FlowIndex("2"), sorted[2].FlowIndex)

	loop, ok := repo.EnclosingLoop("1.1")
	require.True(t, ok)
	assert.Equal(t, FlowIndex("1"), loop.FlowIndex)

	_, ok = repo.EnclosingLoop("2")
	assert.False(t, ok)

	assert.Len(t, repo.Descendants("1"), 1)
	assert.Len(t, repo.Subtree("1"), 2)

	producer, ok := repo.Producer("c")
	require.True(t, ok)
	assert.Equal(t, FlowIndex("2"), producer.FlowIndex)
}

func TestNewInferenceRepositoryErrors(t *testing.T) {
	tests := []struct {
		name    string
		infs    []Inference
		message string
	}{
		{
			name: "duplicate flow index",
			infs: []Inference{
				{FlowIndex: "1", ConceptToInfer: "a", FunctionConcept: "f", SequenceKind: SequenceCompute},
				{FlowIndex: "1", ConceptToInfer: "b", FunctionConcept: "f", SequenceKind: SequenceCompute},
			},
			message: "duplicate flow index",
		},
		{
			name:    "malformed flow index",
			infs:    []Inference{{FlowIndex: "1.x", ConceptToInfer: "a", SequenceKind: SequenceCompute}},
			message: "not an integer",
		},
		{
			name:    "quantifying without metadata",
			infs:    []Inference{{FlowIndex: "1", ConceptToInfer: "a", SequenceKind: SequenceQuantifying}},
			message: "loop_base",
		},
		{
			name: "timing gate not a sibling",
			infs: []Inference{{FlowIndex: "1.1", ConceptToInfer: "a", ValueConcepts: []string{"cond"}, SequenceKind: SequenceTiming,
				WorkingInterpretation: WorkingInterpretation{Condition: "cond", Gate: "2"}}},
			message: "not a sibling",
		},
		{
			name:    "compute without operation",
			infs:    []Inference{{FlowIndex: "1", ConceptToInfer: "a", SequenceKind: SequenceCompute}},
			message: "function concept",
		},
		{
			name: "bad group mode",
			infs: []Inference{{FlowIndex: "1", ConceptToInfer: "a", ValueConcepts: []string{"x"}, SequenceKind: SequenceGrouping,
				WorkingInterpretation: WorkingInterpretation{GroupMode: "zip"}}},
			message: "invalid group mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInferenceRepository(tt.infs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestParsePointer(t *testing.T) {
	p, ok := ParsePointer("%{file}doc1(data/report.txt)")
	require.True(t, ok)
	assert.Equal(t, reference.StrategyFile, p.Strategy)
	assert.Equal(t, "doc1", p.ID)
	assert.Equal(t, "data/report.txt", p.Signifier)

	_, ok = ParsePointer("plain text")
	assert.False(t, ok)

	_, ok = ParsePointer("%{unknown}x(y)")
	assert.False(t, ok)
}

func TestBuildReferenceSkipLiteral(t *testing.T) {
	ref, err := BuildReference([]string{"i"}, []interface{}{1, "@skip"})
	require.NoError(t, err)
	e, err := ref.At(reference.Selector{"i": 1})
	require.NoError(t, err)
	assert.True(t, e.IsSkip())
}
