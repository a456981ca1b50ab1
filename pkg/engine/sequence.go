package engine

import (
	"fmt"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
)

// evaluateInline evaluates the sequence kinds the engine computes itself
// with the reference algebra.
func (s *Scheduler) evaluateInline(inf *repository.Inference) (*reference.Reference, error) {
	var (
		out *reference.Reference
		err error
	)
	switch inf.SequenceKind {
	case repository.SequenceAssigning:
		out, err = s.assign(inf)
	case repository.SequenceGrouping:
		out, err = s.group(inf)
	case repository.SequenceTiming:
		out = s.timing(inf)
	default:
		err = fmt.Errorf("sequence kind %s is not evaluated by the engine", inf.SequenceKind)
	}
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("%s evaluation failed", inf.SequenceKind), err).
			WithCode(ErrCodeValidation).
			WithResource(inf.FlowIndex.String())
	}
	return out, nil
}

// assign copies the first value concept. With fallback it copies the first
// completed value concept in declaration order, or yields skip when none
// completed.
func (s *Scheduler) assign(inf *repository.Inference) (*reference.Reference, error) {
	if inf.IsFallback() {
		for _, name := range inf.ValueConcepts {
			if s.conceptState(inf, name) != StatusCompleted {
				continue
			}
			if ref, ok := s.refs.Get(name); ok {
				return ref, nil
			}
		}
		return reference.SkipReference(), nil
	}

	if len(inf.ValueConcepts) == 0 {
		return nil, fmt.Errorf("no value concept to assign")
	}
	ref, ok := s.refs.Get(inf.ValueConcepts[0])
	if !ok {
		return nil, fmt.Errorf("value concept %s has no value", inf.ValueConcepts[0])
	}
	return ref, nil
}

// group combines the value concepts with join, cross product or append.
func (s *Scheduler) group(inf *repository.Inference) (*reference.Reference, error) {
	values := make([]*reference.Reference, 0, len(inf.ValueConcepts))
	for _, name := range inf.ValueConcepts {
		ref, ok := s.refs.Get(name)
		if !ok {
			return nil, fmt.Errorf("value concept %s has no value", name)
		}
		values = append(values, ref)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no value concepts to group")
	}

	wi := inf.WorkingInterpretation
	switch wi.GroupMode {
	case repository.GroupJoin, "":
		return reference.Join(values, wi.GroupAxis)
	case repository.GroupCross:
		return reference.CrossProduct(values...)
	case repository.GroupAppend:
		out := values[0]
		for _, v := range values[1:] {
			next, err := out.Append(v, wi.GroupAxis)
			if err != nil {
				return nil, err
			}
			out = next
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown group mode: %s", wi.GroupMode)
	}
}

// timing evaluates the gate condition. A skipped or failed condition counts
// as false.
func (s *Scheduler) timing(inf *repository.Inference) *reference.Reference {
	wi := inf.WorkingInterpretation
	open := false
	if s.conceptState(inf, wi.Condition) == StatusCompleted {
		if ref, ok := s.refs.Get(wi.Condition); ok {
			open = truthy(ref)
		}
	}
	if wi.Negate {
		open = !open
	}
	return reference.Scalar(reference.Literal(open))
}
