package engine

import (
	"fmt"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
)

type readiness int

const (
	notReady readiness = iota
	readyNow
	blocked
)

// evaluate decides whether a pending inference can be dispatched now, must
// wait, or can never run and should be skipped.
func (s *Scheduler) evaluate(inf *repository.Inference) (readiness, string) {
	fi := inf.FlowIndex
	if s.bb.Status(fi) != StatusPending {
		return notReady, ""
	}

	// Loop bodies wait for their loops to be armed.
	for p := fi.Parent(); p != ""; p = p.Parent() {
		anc, ok := s.plan.Inferences.Get(p)
		if ok && anc.SequenceKind == repository.SequenceQuantifying && s.bb.Status(p) != StatusInProgress {
			return notReady, ""
		}
	}

	for x := fi; x != ""; x = x.Parent() {
		t, ok := s.plan.GateOf(x)
		if !ok {
			continue
		}
		switch s.bb.Status(t) {
		case StatusCompleted:
			if !s.gateOpen(t) {
				return blocked, fmt.Sprintf("gate %s closed", t)
			}
		case StatusSkipped, StatusFailed:
			return blocked, fmt.Sprintf("gate %s did not run", t)
		default:
			return notReady, ""
		}
	}

	if inf.IsFallback() {
		return s.evaluateFallback(inf)
	}

	for _, name := range s.plan.Dependencies(fi) {
		st := s.conceptState(inf, name)
		if inf.SequenceKind == repository.SequenceTiming && name == inf.WorkingInterpretation.Condition {
			if !st.IsTerminal() {
				return notReady, ""
			}
			continue
		}
		switch st {
		case StatusCompleted:
		case StatusSkipped, StatusFailed:
			return blocked, fmt.Sprintf("input %s %s", name, st)
		default:
			return notReady, ""
		}
	}
	return readyNow, ""
}

// evaluateFallback is ready once any value concept is completed. Context and
// function concepts are still required.
func (s *Scheduler) evaluateFallback(inf *repository.Inference) (readiness, string) {
	required := append([]string(nil), inf.ContextConcepts...)
	if inf.FunctionConcept != "" {
		required = append(required, inf.FunctionConcept)
	}
	for _, name := range required {
		switch st := s.conceptState(inf, name); st {
		case StatusCompleted:
		case StatusSkipped, StatusFailed:
			return blocked, fmt.Sprintf("input %s %s", name, st)
		default:
			return notReady, ""
		}
	}

	exhausted := true
	for _, name := range inf.ValueConcepts {
		switch s.conceptState(inf, name) {
		case StatusCompleted:
			return readyNow, ""
		case StatusSkipped, StatusFailed:
		default:
			exhausted = false
		}
	}
	if exhausted {
		return blocked, "no fallback candidate completed"
	}
	return notReady, ""
}

// conceptState is the status of a concept as seen by inf. A concept produced
// inside a loop that does not enclose inf is only settled once that loop
// has finished every iteration.
func (s *Scheduler) conceptState(inf *repository.Inference, name string) Status {
	if p, ok := s.plan.Producer(name); ok {
		for a := p.Parent(); a != ""; a = a.Parent() {
			if a.IsAncestorOf(inf.FlowIndex) {
				break
			}
			anc, ok := s.plan.Inferences.Get(a)
			if !ok || anc.SequenceKind != repository.SequenceQuantifying {
				continue
			}
			switch st := s.bb.Status(a); st {
			case StatusCompleted:
			case StatusSkipped, StatusFailed:
				return st
			default:
				return StatusPending
			}
		}
	}
	return s.bb.ConceptStatus(name)
}

// gateOpen reads the outcome a completed timing inference recorded.
func (s *Scheduler) gateOpen(timing repository.FlowIndex) bool {
	inf, ok := s.plan.Inferences.Get(timing)
	if !ok {
		return false
	}
	ref, ok := s.refs.Get(inf.ConceptToInfer)
	return ok && truthy(ref)
}

// truthy reports whether every element of ref is boolean true.
func truthy(ref *reference.Reference) bool {
	if ref == nil || ref.Size() == 0 {
		return false
	}
	for _, e := range ref.Elements() {
		if v, ok := e.Bool(); !ok || !v {
			return false
		}
	}
	return true
}
