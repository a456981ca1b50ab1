package engine

import (
	"fmt"
	"sort"

	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// Reconcile loads a checkpoint into a freshly seeded scheduler, comparing
// the checkpoint's definition signatures with the loaded plan:
//
//   - patch keeps unchanged inferences and reverts changed or added ones
//     together with their downstream closure;
//   - overwrite restores the checkpoint as is and fails on a structurally
//     different plan;
//   - fill_gaps starts fresh and copies only inferences that neither
//     changed nor depend on a changed inference or a changed ground input.
func (s *Scheduler) Reconcile(cp *Checkpoint, mode ReconcileMode) (*ReconcileReport, error) {
	report := &ReconcileReport{Mode: mode, Cycle: cp.Cycle}
	report.Changed, report.Added, report.Removed = diffSignatures(cp.Signatures, s.plan.Signatures)

	restored := make(map[repository.FlowIndex]bool)
	switch mode {
	case ReconcileOverwrite:
		if len(report.Added) > 0 || len(report.Removed) > 0 {
			return nil, NewReconciliationConflictError(
				fmt.Sprintf("checkpoint defines %d flow indexes the plan lacks and lacks %d the plan defines",
					len(report.Removed), len(report.Added)), nil).
				WithDetail("added", report.Added).
				WithDetail("removed", report.Removed)
		}
		if missing, extra := diffConcepts(cp.Concepts, s.plan.Concepts); len(missing)+len(extra) > 0 {
			return nil, NewReconciliationConflictError("checkpoint concepts do not match the plan", nil).
				WithDetail("missing", missing).
				WithDetail("extra", extra)
		}
		s.restore(cp)
		s.signatures = make(map[repository.FlowIndex]repository.Signature, len(cp.Signatures))
		for fi, sig := range cp.Signatures {
			s.signatures[fi] = sig
		}
		for _, e := range cp.Entries {
			restored[e.FlowIndex] = true
		}

	case ReconcilePatch, "":
		report.Mode = ReconcilePatch
		s.restore(cp)
		seeds := append(append([]repository.FlowIndex(nil), report.Changed...), report.Added...)
		reverted := s.plan.Downstream(seeds)
		for _, inf := range s.plan.Inferences.Sorted() {
			if reverted[inf.FlowIndex] {
				s.revert(inf)
				report.Reverted = append(report.Reverted, inf.FlowIndex)
			}
		}
		for _, e := range cp.Entries {
			if _, ok := s.plan.Inferences.Get(e.FlowIndex); ok && !reverted[e.FlowIndex] {
				restored[e.FlowIndex] = true
			}
		}

	case ReconcileFillGaps:
		s.fillGaps(cp, report, restored)

	default:
		return nil, NewPermanentError(fmt.Sprintf("invalid reconcile mode: %s", mode), nil).
			WithCode(ErrCodeValidation)
	}

	s.releaseInFlight()

	for _, e := range s.bb.Entries() {
		switch {
		case !e.Status.IsTerminal():
			report.Unfinished = append(report.Unfinished, e.FlowIndex)
		case restored[e.FlowIndex]:
			report.Restored = append(report.Restored, e.FlowIndex)
		}
	}

	s.tracker.Record(s.cycle, "", 0, telemetry.EventTypeRunResumed,
		fmt.Sprintf("%s: %d changed, %d reverted", report.Mode, len(report.Changed), len(report.Reverted)))
	return report, nil
}

// revert returns an inference to a fresh pending generation and clears its
// output back to the plan's initial value.
func (s *Scheduler) revert(inf *repository.Inference) {
	gen, err := s.bb.Reset(inf.FlowIndex)
	if err != nil {
		return
	}
	s.bb.SetConceptStatus(inf.ConceptToInfer, StatusPending)
	s.refs.Clear(inf.ConceptToInfer)
	if c, ok := s.plan.Concepts.Get(inf.ConceptToInfer); ok && c.HasInitial() {
		s.refs.Set(c.Name, c.Initial())
	}
	if inf.SequenceKind == repository.SequenceQuantifying {
		s.ws.Drop(inf.FlowIndex)
		s.clearLoopProvided(inf.FlowIndex)
	}
	s.tracker.Record(s.cycle, inf.FlowIndex, gen, telemetry.EventTypeInferenceReset, "definition changed")
}

// fillGaps copies checkpointed inferences into the fresh state. Fresh
// definitions and ground inputs win: an inference downstream of a changed or
// added definition, or of a ground input whose value differs from the
// checkpoint, stays pending and is listed as reverted.
func (s *Scheduler) fillGaps(cp *Checkpoint, report *ReconcileReport, restored map[repository.FlowIndex]bool) {
	s.cycle = cp.Cycle
	s.tracker.resume(cp.LastSeq)

	seeds := append(append([]repository.FlowIndex(nil), report.Changed...), report.Added...)
	seeds = append(seeds, s.changedInputConsumers(cp)...)
	stale := s.plan.Downstream(seeds)
	for _, inf := range s.plan.Inferences.Sorted() {
		if stale[inf.FlowIndex] {
			report.Reverted = append(report.Reverted, inf.FlowIndex)
		}
	}

	for _, e := range cp.Entries {
		if _, ok := s.plan.Signatures[e.FlowIndex]; !ok || stale[e.FlowIndex] {
			continue
		}
		inf, _ := s.plan.Inferences.Get(e.FlowIndex)

		concept := inf.ConceptToInfer
		s.bb.Restore([]Entry{e}, map[string]Status{concept: cp.Concepts[concept]})
		if ref, ok := cp.References[concept]; ok {
			s.refs.Set(concept, ref)
		}

		if inf.SequenceKind == repository.SequenceQuantifying {
			for _, l := range cp.Loops {
				if l.FlowIndex == inf.FlowIndex {
					s.ws.SetLoop(l)
				}
			}
			for _, we := range cp.Workspace[inf.FlowIndex] {
				s.ws.Record(inf.FlowIndex, we)
			}
			for _, c := range s.plan.Concepts.All() {
				if p, ok := s.plan.ProvidingLoop(c.Name); ok && p == inf.FlowIndex {
					s.bb.SetConceptStatus(c.Name, cp.Concepts[c.Name])
					if ref, ok := cp.References[c.Name]; ok {
						s.refs.Set(c.Name, ref)
					}
				}
			}
		}
		restored[e.FlowIndex] = true
	}
}

// changedInputConsumers returns the inferences reading a ground concept whose
// fresh value differs from the checkpointed one.
func (s *Scheduler) changedInputConsumers(cp *Checkpoint) []repository.FlowIndex {
	changed := make(map[string]bool)
	for _, c := range s.plan.Concepts.All() {
		if !c.IsGround {
			continue
		}
		fresh, ok := s.refs.Get(c.Name)
		old, had := cp.References[c.Name]
		if ok && had && !fresh.Equal(old) {
			changed[c.Name] = true
		}
	}
	if len(changed) == 0 {
		return nil
	}

	var out []repository.FlowIndex
	for _, inf := range s.plan.Inferences.Sorted() {
		for _, name := range s.plan.Dependencies(inf.FlowIndex) {
			if changed[name] {
				out = append(out, inf.FlowIndex)
				break
			}
		}
	}
	return out
}

// PlanDiff describes how a plan's definitions changed between two loads.
type PlanDiff struct {
	Changed []repository.FlowIndex `json:"changed,omitempty"`
	Added   []repository.FlowIndex `json:"added,omitempty"`
	Removed []repository.FlowIndex `json:"removed,omitempty"`

	// Reverted is what a patch resume would return to pending.
	Reverted []repository.FlowIndex `json:"reverted,omitempty"`
}

// Empty reports whether no definition changed.
func (d *PlanDiff) Empty() bool {
	return len(d.Changed)+len(d.Added)+len(d.Removed) == 0
}

// DiffPlans compares the definition signatures of prev and cur.
func DiffPlans(prev, cur *Plan) *PlanDiff {
	d := &PlanDiff{}
	d.Changed, d.Added, d.Removed = diffSignatures(prev.Signatures, cur.Signatures)
	seeds := append(append([]repository.FlowIndex(nil), d.Changed...), d.Added...)
	reverted := cur.Downstream(seeds)
	for _, inf := range cur.Inferences.Sorted() {
		if reverted[inf.FlowIndex] {
			d.Reverted = append(d.Reverted, inf.FlowIndex)
		}
	}
	return d
}

// diffSignatures compares checkpoint and plan signatures.
func diffSignatures(old, cur map[repository.FlowIndex]repository.Signature) (changed, added, removed []repository.FlowIndex) {
	for fi, sig := range cur {
		prev, ok := old[fi]
		switch {
		case !ok:
			added = append(added, fi)
		case prev != sig:
			changed = append(changed, fi)
		}
	}
	for fi := range old {
		if _, ok := cur[fi]; !ok {
			removed = append(removed, fi)
		}
	}
	sortFlowIndexes(changed)
	sortFlowIndexes(added)
	sortFlowIndexes(removed)
	return changed, added, removed
}

// diffConcepts compares the concept names of a checkpoint with the plan.
func diffConcepts(old map[string]Status, concepts *repository.ConceptRepository) (missing, extra []string) {
	cur := make(map[string]bool)
	for _, c := range concepts.All() {
		cur[c.Name] = true
		if _, ok := old[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	for name := range old {
		if !cur[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}
