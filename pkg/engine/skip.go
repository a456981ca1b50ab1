package engine

import (
	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// resolveSkips skips every pending inference that can never become ready,
// repeating until nothing changes. It returns the number of inferences
// skipped.
func (s *Scheduler) resolveSkips() int {
	total := 0
	for {
		n := 0
		for _, inf := range s.plan.Inferences.Sorted() {
			if r, reason := s.evaluate(inf); r == blocked {
				n += s.skipSubtree(inf.FlowIndex, reason)
			}
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// skipSubtree marks every pending inference of the subtree rooted at fi
// skipped and stores the skip sentinel as its output. Entries that are
// already terminal or in progress are left alone, so repeating the call
// changes nothing.
func (s *Scheduler) skipSubtree(fi repository.FlowIndex, reason string) int {
	n := 0
	for _, inf := range s.plan.Inferences.Subtree(fi) {
		entry, ok := s.bb.Entry(inf.FlowIndex)
		if !ok || entry.Status != StatusPending {
			continue
		}
		if err := s.bb.Skip(inf.FlowIndex, entry.Iteration); err != nil {
			continue
		}
		s.markConceptSkipped(inf.ConceptToInfer)
		s.tracker.Record(s.cycle, inf.FlowIndex, entry.Iteration, telemetry.EventTypeInferenceSkipped, reason)
		s.tel.Metrics.RecordInference(string(inf.SequenceKind), string(StatusSkipped), 0)
		n++
	}
	return n
}

// markConceptSkipped records a skipped concept. Invariant concepts keep the
// value carried from earlier iterations.
func (s *Scheduler) markConceptSkipped(name string) {
	s.bb.SetConceptStatus(name, StatusSkipped)
	if c, ok := s.plan.Concepts.Get(name); ok && c.IsInvariant {
		return
	}
	s.refs.Set(name, reference.SkipReference())
}
