package repository

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/tessera/pkg/reference"
)

// DefinitionError describes one malformed definition.
type DefinitionError struct {
	// Subject is the concept name or flow index at fault.
	Subject string `json:"subject"`

	// Field is the offending field, if any.
	Field string `json:"field,omitempty"`

	// Message is the human-readable problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e DefinitionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %s", e.Subject, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Message)
}

// DefinitionErrors collects every problem found in one pass.
type DefinitionErrors []DefinitionError

// Error implements the error interface.
func (e DefinitionErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// ConceptRepository indexes concepts by name.
type ConceptRepository struct {
	concepts []*Concept
	byName   map[string]*Concept
}

// NewConceptRepository validates concepts and builds their initial References.
func NewConceptRepository(concepts []Concept) (*ConceptRepository, error) {
	repo := &ConceptRepository{
		concepts: make([]*Concept, 0, len(concepts)),
		byName:   make(map[string]*Concept, len(concepts)),
	}
	var errs DefinitionErrors

	for i := range concepts {
		c := concepts[i]
		if c.Name == "" {
			errs = append(errs, DefinitionError{Subject: fmt.Sprintf("concepts[%d]", i), Field: "name", Message: "is required"})
			continue
		}
		if _, exists := repo.byName[c.Name]; exists {
			errs = append(errs, DefinitionError{Subject: c.Name, Message: "duplicate concept name"})
			continue
		}
		if err := c.Kind.Validate(); err != nil {
			errs = append(errs, DefinitionError{Subject: c.Name, Field: "kind", Message: err.Error()})
		}
		if c.Value != nil {
			ref, err := BuildReference(c.Axes, c.Value)
			if err != nil {
				errs = append(errs, DefinitionError{Subject: c.Name, Field: "value", Message: err.Error()})
			} else {
				c.initial = ref
			}
		}
		repo.concepts = append(repo.concepts, &c)
		repo.byName[c.Name] = &c
	}

	for _, c := range repo.concepts {
		if c.PreviousOf == "" {
			continue
		}
		target, ok := repo.byName[c.PreviousOf]
		if !ok {
			errs = append(errs, DefinitionError{Subject: c.Name, Field: "previous_of", Message: fmt.Sprintf("unknown concept %s", c.PreviousOf)})
			continue
		}
		if !target.IsInvariant {
			errs = append(errs, DefinitionError{Subject: c.Name, Field: "previous_of", Message: fmt.Sprintf("concept %s is not invariant", c.PreviousOf)})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return repo, nil
}

// Get returns the concept with the given name.
func (r *ConceptRepository) Get(name string) (*Concept, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns concepts in declaration order.
func (r *ConceptRepository) All() []*Concept {
	return append([]*Concept(nil), r.concepts...)
}

// Finals returns the names of plan-output concepts.
func (r *ConceptRepository) Finals() []string {
	var out []string
	for _, c := range r.concepts {
		if c.IsFinal {
			out = append(out, c.Name)
		}
	}
	return out
}

// Len returns the number of concepts.
func (r *ConceptRepository) Len() int {
	return len(r.concepts)
}

// InferenceRepository indexes inferences by flow index and keeps them sorted.
type InferenceRepository struct {
	sorted  []*Inference
	byIndex map[FlowIndex]*Inference
}

// NewInferenceRepository validates flow indexes and per-kind metadata.
func NewInferenceRepository(inferences []Inference) (*InferenceRepository, error) {
	repo := &InferenceRepository{
		sorted:  make([]*Inference, 0, len(inferences)),
		byIndex: make(map[FlowIndex]*Inference, len(inferences)),
	}
	var errs DefinitionErrors

	for i := range inferences {
		inf := inferences[i]
		subject := string(inf.FlowIndex)
		if subject == "" {
			subject = fmt.Sprintf("inferences[%d]", i)
		}
		if err := inf.FlowIndex.Validate(); err != nil {
			errs = append(errs, DefinitionError{Subject: subject, Field: "flow_index", Message: err.Error()})
			continue
		}
		if _, exists := repo.byIndex[inf.FlowIndex]; exists {
			errs = append(errs, DefinitionError{Subject: subject, Message: "duplicate flow index"})
			continue
		}
		errs = append(errs, validateInterpretation(&inf)...)
		repo.sorted = append(repo.sorted, &inf)
		repo.byIndex[inf.FlowIndex] = &inf
	}

	sort.SliceStable(repo.sorted, func(a, b int) bool {
		return repo.sorted[a].FlowIndex.Less(repo.sorted[b].FlowIndex)
	})

	if len(errs) > 0 {
		return nil, errs
	}
	return repo, nil
}

// validateInterpretation checks the metadata each sequence kind requires.
func validateInterpretation(inf *Inference) []DefinitionError {
	var errs []DefinitionError
	subject := string(inf.FlowIndex)
	missing := func(field string) {
		errs = append(errs, DefinitionError{Subject: subject, Field: "working_interpretation." + field, Message: "is required"})
	}

	if inf.ConceptToInfer == "" {
		errs = append(errs, DefinitionError{Subject: subject, Field: "concept_to_infer", Message: "is required"})
	}
	if err := inf.SequenceKind.Validate(); err != nil {
		errs = append(errs, DefinitionError{Subject: subject, Field: "sequence_kind", Message: err.Error()})
		return errs
	}

	wi := inf.WorkingInterpretation
	switch inf.SequenceKind {
	case SequenceQuantifying:
		if wi.LoopBase == "" {
			missing("loop_base")
		}
		if wi.LoopAxis == "" {
			missing("loop_axis")
		}
		if wi.CurrentElement == "" {
			missing("current_element")
		}
		if wi.Collect == "" {
			missing("collect")
		}
		if wi.NewAxis == "" {
			missing("new_axis")
		}
	case SequenceGrouping:
		switch wi.GroupMode {
		case GroupJoin, GroupAppend:
			if wi.GroupAxis == "" {
				missing("group_axis")
			}
		case GroupCross:
		default:
			errs = append(errs, DefinitionError{Subject: subject, Field: "working_interpretation.group_mode",
				Message: fmt.Sprintf("invalid group mode: %q", wi.GroupMode)})
		}
		if len(inf.ValueConcepts) == 0 {
			errs = append(errs, DefinitionError{Subject: subject, Field: "value_concepts", Message: "grouping needs at least one value concept"})
		}
	case SequenceAssigning:
		if len(inf.ValueConcepts) == 0 {
			errs = append(errs, DefinitionError{Subject: subject, Field: "value_concepts", Message: "assigning needs at least one value concept"})
		}
	case SequenceTiming:
		if wi.Condition == "" {
			missing("condition")
		}
		if wi.Gate == "" {
			missing("gate")
		} else if err := wi.Gate.Validate(); err != nil {
			errs = append(errs, DefinitionError{Subject: subject, Field: "working_interpretation.gate", Message: err.Error()})
		} else if wi.Gate.Parent() != inf.FlowIndex.Parent() || wi.Gate == inf.FlowIndex {
			errs = append(errs, DefinitionError{Subject: subject, Field: "working_interpretation.gate",
				Message: fmt.Sprintf("gate %s is not a sibling", wi.Gate)})
		}
	case SequenceCompute:
		if inf.FunctionConcept == "" && wi.Operation == "" {
			errs = append(errs, DefinitionError{Subject: subject, Field: "function_concept", Message: "compute needs a function concept or operation"})
		}
	}
	return errs
}

// Get returns the inference at a flow index.
func (r *InferenceRepository) Get(fi FlowIndex) (*Inference, bool) {
	inf, ok := r.byIndex[fi]
	return inf, ok
}

// Sorted returns inferences in flow-index order.
func (r *InferenceRepository) Sorted() []*Inference {
	return append([]*Inference(nil), r.sorted...)
}

// Len returns the number of inferences.
func (r *InferenceRepository) Len() int {
	return len(r.sorted)
}

// Descendants returns every inference nested under fi, in flow-index order.
func (r *InferenceRepository) Descendants(fi FlowIndex) []*Inference {
	var out []*Inference
	for _, inf := range r.sorted {
		if fi.IsAncestorOf(inf.FlowIndex) {
			out = append(out, inf)
		}
	}
	return out
}

// Subtree returns fi itself (when defined) followed by its descendants.
func (r *InferenceRepository) Subtree(fi FlowIndex) []*Inference {
	var out []*Inference
	if inf, ok := r.byIndex[fi]; ok {
		out = append(out, inf)
	}
	return append(out, r.Descendants(fi)...)
}

// EnclosingLoop returns the nearest quantifying ancestor of fi.
func (r *InferenceRepository) EnclosingLoop(fi FlowIndex) (*Inference, bool) {
	for p := fi.Parent(); p != ""; p = p.Parent() {
		if inf, ok := r.byIndex[p]; ok && inf.SequenceKind == SequenceQuantifying {
			return inf, true
		}
	}
	return nil, false
}

// Producer returns the inference whose output is concept.
func (r *InferenceRepository) Producer(concept string) (*Inference, bool) {
	for _, inf := range r.sorted {
		if inf.ConceptToInfer == concept {
			return inf, true
		}
	}
	return nil, false
}

var pointerPattern = regexp.MustCompile(`^%\{([a-z_]+)\}([^()]*)\((.*)\)$`)

// SkipLiteral is the plan-document spelling of the skip sentinel.
const SkipLiteral = "@skip"

// ParsePointer parses %{strategy}id(signifier).
func ParsePointer(s string) (reference.Pointer, bool) {
	m := pointerPattern.FindStringSubmatch(s)
	if m == nil {
		return reference.Pointer{}, false
	}
	p := reference.Pointer{Strategy: reference.Strategy(m[1]), ID: m[2], Signifier: m[3]}
	if p.Strategy.Validate() != nil {
		return reference.Pointer{}, false
	}
	return p, true
}

// BuildReference converts a nested document value into a Reference,
// turning pointer strings into pointer elements and "@skip" into skip.
func BuildReference(axes []string, value interface{}) (*reference.Reference, error) {
	return reference.FromNested(axes, toElements(value, len(axes)))
}

func toElements(v interface{}, depth int) interface{} {
	if depth == 0 {
		if s, ok := v.(string); ok {
			if s == SkipLiteral {
				return reference.Skip()
			}
			if p, ok := ParsePointer(s); ok {
				return reference.PointerTo(p.Strategy, p.Signifier, p.ID)
			}
		}
		return v
	}
	list, ok := v.([]interface{})
	if !ok {
		return v
	}
	out := make([]interface{}, len(list))
	for i := range list {
		out[i] = toElements(list[i], depth-1)
	}
	return out
}
