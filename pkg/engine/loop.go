package engine

import (
	"fmt"
	"sort"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// armLoop starts a dispatched quantifying inference. The loop stays in
// progress while its body runs; advanceLoops moves it through iterations.
func (s *Scheduler) armLoop(inf *repository.Inference, entry Entry) error {
	fi := inf.FlowIndex
	wi := inf.WorkingInterpretation

	base, ok := s.refs.Get(wi.LoopBase)
	if !ok || base.IsSkip() {
		return s.apply(inf, entry.Iteration, callResult{ref: reference.SkipReference()})
	}

	extent, ok := base.Extent(wi.LoopAxis)
	if !ok {
		err := NewPermanentError(fmt.Sprintf("loop base %s has no axis %s", wi.LoopBase, wi.LoopAxis), nil).
			WithCode(ErrCodeValidation).
			WithResource(fi.String())
		return s.apply(inf, entry.Iteration, callResult{err: err})
	}
	if extent == 0 {
		empty, err := reference.New([]string{wi.NewAxis}, []int{0}, nil)
		if err := s.apply(inf, entry.Iteration, callResult{ref: empty, err: err}); err != nil {
			return err
		}
		s.skipSubtree(fi, "loop base is empty")
		return nil
	}

	s.ws.SetLoop(LoopState{FlowIndex: fi, Index: 0, Extent: extent})
	return s.enterIteration(inf, 0)
}

// enterIteration exposes the current element and the previous values of
// carried concepts for iteration i.
func (s *Scheduler) enterIteration(inf *repository.Inference, i int) error {
	fi := inf.FlowIndex
	wi := inf.WorkingInterpretation

	base, _ := s.refs.Get(wi.LoopBase)
	elem, err := base.Get(reference.Selector{wi.LoopAxis: i})
	if err != nil {
		return s.failLoop(inf, fmt.Errorf("failed to select element %d: %w", i, err))
	}
	s.refs.Set(wi.CurrentElement, elem)
	s.bb.SetConceptStatus(wi.CurrentElement, StatusCompleted)

	for _, c := range s.plan.Concepts.All() {
		if c.PreviousOf == "" {
			continue
		}
		if loop, ok := s.plan.ProvidingLoop(c.Name); !ok || loop != fi {
			continue
		}

		var prev *reference.Reference
		if i == 0 {
			if inv, ok := s.plan.Concepts.Get(c.PreviousOf); ok {
				prev = inv.Initial()
			}
		} else {
			prev, _ = s.refs.Get(c.PreviousOf)
		}

		if prev == nil || prev.IsSkip() {
			s.refs.Set(c.Name, reference.SkipReference())
			s.bb.SetConceptStatus(c.Name, StatusSkipped)
			continue
		}
		s.refs.Set(c.Name, prev)
		s.bb.SetConceptStatus(c.Name, StatusCompleted)
	}

	state, _ := s.ws.Loop(fi)
	s.tracker.Record(s.cycle, fi, i, telemetry.EventTypeLoopIteration,
		fmt.Sprintf("iteration %d of %d", i+1, state.Extent))
	s.tel.Metrics.RecordLoopIteration()
	return nil
}

// failLoop fails an armed loop and discards its workspace.
func (s *Scheduler) failLoop(inf *repository.Inference, cause error) error {
	s.ws.Drop(inf.FlowIndex)
	err := NewPermanentError("loop iteration failed", cause).
		WithCode(ErrCodeInternal).
		WithResource(inf.FlowIndex.String())
	return s.apply(inf, s.bb.Generation(inf.FlowIndex), callResult{err: err})
}

// advanceLoops moves every armed loop whose body is fully terminal to its
// next iteration, or combines the results when the base is exhausted.
// Inner loops are handled before outer ones.
func (s *Scheduler) advanceLoops() int {
	loops := s.ws.Loops()
	sort.SliceStable(loops, func(i, j int) bool {
		return loops[i].FlowIndex.Depth() > loops[j].FlowIndex.Depth()
	})

	progress := 0
	for _, state := range loops {
		inf, ok := s.plan.Inferences.Get(state.FlowIndex)
		if !ok {
			s.ws.Drop(state.FlowIndex)
			continue
		}
		if s.bb.Status(state.FlowIndex) != StatusInProgress || !s.bodyDone(inf) {
			continue
		}

		s.recordIteration(inf, state)
		progress++

		if next := state.Index + 1; next < state.Extent {
			s.rearm(inf)
			state.Index = next
			s.ws.SetLoop(state)
			if err := s.enterIteration(inf, next); err != nil {
				return progress
			}
			continue
		}
		if err := s.exhaust(inf); err != nil {
			return progress
		}
	}
	return progress
}

// bodyDone reports whether every inference nested under a loop is terminal.
func (s *Scheduler) bodyDone(inf *repository.Inference) bool {
	for _, d := range s.plan.Inferences.Descendants(inf.FlowIndex) {
		if !s.bb.Status(d.FlowIndex).IsTerminal() {
			return false
		}
	}
	return true
}

// recordIteration saves the body outputs of one iteration in the workspace.
// The collected concept is always present, as the skip sentinel when the
// body did not complete it.
func (s *Scheduler) recordIteration(inf *repository.Inference, state LoopState) {
	wi := inf.WorkingInterpretation
	values := make(map[string]*reference.Reference)
	for _, d := range s.plan.Inferences.Descendants(inf.FlowIndex) {
		if s.bb.ConceptStatus(d.ConceptToInfer) != StatusCompleted {
			continue
		}
		if ref, ok := s.refs.Get(d.ConceptToInfer); ok {
			values[d.ConceptToInfer] = ref
		}
	}
	if _, ok := values[wi.Collect]; !ok {
		values[wi.Collect] = reference.SkipReference()
	}
	s.ws.Record(inf.FlowIndex, WorkspaceEntry{Iteration: state.Index, Values: values})
}

// rearm resets every non-invariant inference of the loop body by writing a
// fresh generation. Invariant concepts keep their values so the next
// iteration can read them as previous values.
func (s *Scheduler) rearm(inf *repository.Inference) {
	for _, d := range s.plan.Inferences.Descendants(inf.FlowIndex) {
		if d.Invariant {
			continue
		}
		gen, err := s.bb.Reset(d.FlowIndex)
		if err != nil {
			continue
		}
		s.bb.SetConceptStatus(d.ConceptToInfer, StatusPending)
		if c, ok := s.plan.Concepts.Get(d.ConceptToInfer); !ok || !c.IsInvariant {
			s.refs.Clear(d.ConceptToInfer)
		}
		if d.SequenceKind == repository.SequenceQuantifying {
			s.ws.Drop(d.FlowIndex)
			s.clearLoopProvided(d.FlowIndex)
		}
		s.tracker.Record(s.cycle, d.FlowIndex, gen, telemetry.EventTypeInferenceReset, "loop re-armed")
	}
}

// clearLoopProvided resets the concepts a loop sets on each iteration.
func (s *Scheduler) clearLoopProvided(loop repository.FlowIndex) {
	for _, c := range s.plan.Concepts.All() {
		if p, ok := s.plan.ProvidingLoop(c.Name); ok && p == loop {
			s.bb.SetConceptStatus(c.Name, StatusPending)
			s.refs.Clear(c.Name)
		}
	}
}

// exhaust combines the recorded iterations along the loop's new axis,
// completes the loop and discards its workspace.
func (s *Scheduler) exhaust(inf *repository.Inference) error {
	fi := inf.FlowIndex
	wi := inf.WorkingInterpretation
	gen := s.bb.Generation(fi)

	entries := s.ws.Entries(fi)
	values := make([]*reference.Reference, len(entries))
	for i, e := range entries {
		values[i] = e.Values[wi.Collect]
		if values[i] == nil {
			values[i] = reference.SkipReference()
		}
	}

	out, err := combineIterations(values, wi.NewAxis)
	s.ws.Drop(fi)
	s.tracker.Record(s.cycle, fi, gen, telemetry.EventTypeLoopCompleted, fmt.Sprintf("%d iterations", len(entries)))
	return s.apply(inf, gen, callResult{ref: out, err: err})
}

// combineIterations joins per-iteration values along axis. Skipped
// iterations become skip-filled rows shaped like the other iterations, so
// a single skipped iteration does not discard the rest.
func combineIterations(values []*reference.Reference, axis string) (*reference.Reference, error) {
	var template *reference.Reference
	skipped := false
	for _, v := range values {
		if v.IsSkip() {
			skipped = true
			continue
		}
		if template == nil {
			template = v
		}
	}
	if template == nil {
		return reference.SkipReference(), nil
	}
	if !skipped {
		return reference.Join(values, axis)
	}

	axes := append([]string{axis}, template.Axes()...)
	shape := append([]int{len(values)}, template.Shape()...)
	elems := make([]reference.Element, 0, len(values)*template.Size())
	for i, v := range values {
		if v.IsSkip() {
			for j := 0; j < template.Size(); j++ {
				elems = append(elems, reference.Skip())
			}
			continue
		}
		t, err := v.Transpose(template.Axes()...)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		if t.Size() != template.Size() {
			return nil, fmt.Errorf("iteration %d: shape %v does not match %v", i, t.Shape(), template.Shape())
		}
		elems = append(elems, t.Elements()...)
	}
	return reference.New(axes, shape, elems)
}
