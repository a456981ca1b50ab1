package repository

import (
	"fmt"
	"time"

	"github.com/openfroyo/tessera/pkg/reference"
)

// ConceptKind classifies a concept.
type ConceptKind string

const (
	// ConceptObject is a plain data node.
	ConceptObject ConceptKind = "object"

	// ConceptRelation relates other concepts.
	ConceptRelation ConceptKind = "relation"

	// ConceptProposition holds truth values.
	ConceptProposition ConceptKind = "proposition"

	// ConceptFunction holds an operation.
	ConceptFunction ConceptKind = "function"
)

// Validate checks if the concept kind is valid.
func (k ConceptKind) Validate() error {
	switch k {
	case ConceptObject, ConceptRelation, ConceptProposition, ConceptFunction:
		return nil
	default:
		return fmt.Errorf("invalid concept kind: %s", k)
	}
}

// SequenceKind selects how an inference is evaluated.
type SequenceKind string

const (
	// SequenceQuantifying iterates a base reference along one axis.
	SequenceQuantifying SequenceKind = "quantifying"

	// SequenceGrouping combines value concepts with join, cross product or append.
	SequenceGrouping SequenceKind = "grouping"

	// SequenceAssigning copies a value concept into the output.
	SequenceAssigning SequenceKind = "assigning"

	// SequenceTiming gates a sibling branch on a boolean condition.
	SequenceTiming SequenceKind = "timing"

	// SequenceCompute calls the agent.
	SequenceCompute SequenceKind = "compute"
)

// Validate checks if the sequence kind is valid.
func (k SequenceKind) Validate() error {
	switch k {
	case SequenceQuantifying, SequenceGrouping, SequenceAssigning, SequenceTiming, SequenceCompute:
		return nil
	default:
		return fmt.Errorf("invalid sequence kind: %s", k)
	}
}

// GroupMode selects the algebra operation of a grouping inference.
type GroupMode string

const (
	// GroupJoin stacks identically shaped values along group_axis.
	GroupJoin GroupMode = "join"

	// GroupCross forms the cross product of the values.
	GroupCross GroupMode = "cross"

	// GroupAppend appends every later value to the first along group_axis.
	GroupAppend GroupMode = "append"
)

// Concept is a named data node holding one Reference.
type Concept struct {
	// Name is the unique identity of the concept.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind classifies the concept.
	Kind ConceptKind `json:"kind" yaml:"kind" validate:"required,oneof=object relation proposition function"`

	// IsGround marks externally supplied data.
	IsGround bool `json:"is_ground,omitempty" yaml:"is_ground,omitempty"`

	// IsFinal marks a plan output.
	IsFinal bool `json:"is_final,omitempty" yaml:"is_final,omitempty"`

	// IsInvariant keeps the value across loop iterations.
	IsInvariant bool `json:"is_invariant,omitempty" yaml:"is_invariant,omitempty"`

	// PreviousOf names the invariant concept whose previous-iteration value
	// this concept exposes inside a loop.
	PreviousOf string `json:"previous_of,omitempty" yaml:"previous_of,omitempty"`

	// Axes names the axes of Value.
	Axes []string `json:"axes,omitempty" yaml:"axes,omitempty"`

	// Value is the nested initial value.
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// Description is free text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	initial *reference.Reference
}

// Initial returns the initial Reference built at load, or nil when unset.
func (c *Concept) Initial() *reference.Reference {
	if c.initial == nil {
		return nil
	}
	return c.initial.Clone()
}

// HasInitial reports whether the concept carries an initial value.
func (c *Concept) HasInitial() bool {
	return c.initial != nil
}

// WorkingInterpretation carries the metadata each sequence kind needs.
type WorkingInterpretation struct {
	// LoopBase is the concept iterated by a quantifying inference.
	LoopBase string `json:"loop_base,omitempty" yaml:"loop_base,omitempty"`

	// LoopAxis is the axis of LoopBase to iterate.
	LoopAxis string `json:"loop_axis,omitempty" yaml:"loop_axis,omitempty"`

	// CurrentElement is the loop-provided concept holding the current item.
	CurrentElement string `json:"current_element,omitempty" yaml:"current_element,omitempty"`

	// Collect is the body concept recorded for every iteration.
	Collect string `json:"collect,omitempty" yaml:"collect,omitempty"`

	// NewAxis is the axis the iteration results are joined along.
	NewAxis string `json:"new_axis,omitempty" yaml:"new_axis,omitempty"`

	// GroupMode selects join, cross or append for grouping inferences.
	GroupMode GroupMode `json:"group_mode,omitempty" yaml:"group_mode,omitempty"`

	// GroupAxis is the new (join) or existing (append) axis of a grouping.
	GroupAxis string `json:"group_axis,omitempty" yaml:"group_axis,omitempty"`

	// Fallback makes an assigning inference ready on its first completed value concept.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// Condition is the boolean concept a timing inference evaluates.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Gate is the flow index of the sibling branch a timing inference gates.
	Gate FlowIndex `json:"gate,omitempty" yaml:"gate,omitempty"`

	// Negate runs the gated branch when the condition is false.
	Negate bool `json:"negate,omitempty" yaml:"negate,omitempty"`

	// Operation overrides the operation named by the function concept.
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	// IndexAware passes element indexes to the agent.
	IndexAware bool `json:"index_aware,omitempty" yaml:"index_aware,omitempty"`

	// Params are extra agent parameters.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Inference is a single plan step: one operation, one output, N inputs.
type Inference struct {
	// FlowIndex is the unique, hierarchical address of the step.
	FlowIndex FlowIndex `json:"flow_index" yaml:"flow_index" validate:"required"`

	// ConceptToInfer is the single output concept.
	ConceptToInfer string `json:"concept_to_infer" yaml:"concept_to_infer" validate:"required"`

	// FunctionConcept is the single operation.
	FunctionConcept string `json:"function_concept,omitempty" yaml:"function_concept,omitempty"`

	// ValueConcepts are the ordered value inputs.
	ValueConcepts []string `json:"value_concepts,omitempty" yaml:"value_concepts,omitempty"`

	// ContextConcepts are the ordered context inputs.
	ContextConcepts []string `json:"context_concepts,omitempty" yaml:"context_concepts,omitempty"`

	// SequenceKind selects how the step is evaluated.
	SequenceKind SequenceKind `json:"sequence_kind" yaml:"sequence_kind" validate:"required,oneof=quantifying grouping assigning timing compute"`

	// WorkingInterpretation is the kind-specific metadata.
	WorkingInterpretation WorkingInterpretation `json:"working_interpretation,omitempty" yaml:"working_interpretation,omitempty"`

	// Critical makes a permanent failure fatal to the run.
	Critical bool `json:"critical,omitempty" yaml:"critical,omitempty"`

	// Invariant keeps the step's status across loop iterations.
	Invariant bool `json:"invariant,omitempty" yaml:"invariant,omitempty"`

	// MaxRetries overrides the engine retry bound.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`

	// Timeout overrides the engine per-call timeout ("30s").
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Inputs returns value concepts followed by context concepts.
func (i *Inference) Inputs() []string {
	out := make([]string, 0, len(i.ValueConcepts)+len(i.ContextConcepts))
	out = append(out, i.ValueConcepts...)
	return append(out, i.ContextConcepts...)
}

// CallTimeout returns the parsed timeout, or def when unset.
func (i *Inference) CallTimeout(def time.Duration) time.Duration {
	if i.Timeout == "" {
		return def
	}
	d, err := time.ParseDuration(i.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Retries returns the retry bound, or def when unset.
func (i *Inference) Retries(def int) int {
	if i.MaxRetries == nil {
		return def
	}
	return *i.MaxRetries
}

// IsFallback reports whether the inference is an assigning-with-fallback.
func (i *Inference) IsFallback() bool {
	return i.SequenceKind == SequenceAssigning && i.WorkingInterpretation.Fallback
}

// Operation returns the working-interpretation operation override.
func (i *Inference) Operation() string {
	return i.WorkingInterpretation.Operation
}
