package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// Scheduler is the waitlist of one run. Each cycle it advances armed loops,
// resolves skips, collects every ready inference in flow order and
// dispatches them. The scheduler goroutine is the only writer of run state
// outside of agent calls; every status change goes through the Blackboard.
type Scheduler struct {
	plan    *Plan
	agent   Agent
	opts    Options
	inputs  map[string]*reference.Reference
	bb      *Blackboard
	refs    *ReferenceStore
	ws      *Workspace
	tracker *ProcessTracker
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	limiter *rate.Limiter

	runID      string
	cycle      int
	signatures map[repository.FlowIndex]repository.Signature

	// fatal is the error that ended the run, if any
	fatal error
}

// NewScheduler creates a scheduler with fresh state seeded from the plan's
// initial values and the ground inputs.
func NewScheduler(
	runID string,
	plan *Plan,
	agent Agent,
	opts Options,
	inputs map[string]*reference.Reference,
	tel *telemetry.Telemetry,
) *Scheduler {
	if tel == nil {
		tel = telemetry.Nop()
	}
	opts = opts.withDefaults()

	s := &Scheduler{
		plan:       plan,
		agent:      agent,
		opts:       opts,
		inputs:     inputs,
		bb:         NewBlackboard(plan),
		refs:       NewReferenceStore(),
		ws:         NewWorkspace(),
		tracker:    NewProcessTracker(runID, tel.Events),
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("scheduler").WithRunID(runID),
		runID:      runID,
		signatures: make(map[repository.FlowIndex]repository.Signature, len(plan.Signatures)),
	}
	for fi, sig := range plan.Signatures {
		s.signatures[fi] = sig
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}
	for _, c := range plan.Concepts.All() {
		s.seed(c)
	}
	return s
}

// seed sets the starting value of a concept: ground input first, then the
// initial value. Only concepts nothing produces start completed.
func (s *Scheduler) seed(c *repository.Concept) {
	if ref, ok := s.inputs[c.Name]; ok && c.IsGround {
		s.refs.Set(c.Name, ref)
		s.bb.SetConceptStatus(c.Name, StatusCompleted)
		return
	}
	init := c.Initial()
	if init == nil {
		return
	}
	s.refs.Set(c.Name, init)
	_, produced := s.plan.Producer(c.Name)
	_, provided := s.plan.ProvidingLoop(c.Name)
	if !produced && !provided {
		s.bb.SetConceptStatus(c.Name, StatusCompleted)
	}
}

// Blackboard returns the run's status table.
func (s *Scheduler) Blackboard() *Blackboard { return s.bb }

// References returns the run's concept values.
func (s *Scheduler) References() *ReferenceStore { return s.refs }

// Workspace returns the run's loop workspace.
func (s *Scheduler) Workspace() *Workspace { return s.ws }

// Tracker returns the run's process tracker.
func (s *Scheduler) Tracker() *ProcessTracker { return s.tracker }

// Cycle returns the number of the last executed cycle.
func (s *Scheduler) Cycle() int { return s.cycle }

// Err returns the fatal error that ended the run, if any.
func (s *Scheduler) Err() error { return s.fatal }

// Done reports whether the run has nothing left to do: every final concept
// is terminal (or every inference, for plans without finals) and no loop
// is armed.
func (s *Scheduler) Done() bool {
	if s.fatal != nil {
		return true
	}
	if len(s.ws.Loops()) > 0 {
		return false
	}
	finals := s.plan.Concepts.Finals()
	if len(finals) == 0 {
		for _, e := range s.bb.Entries() {
			if !e.Status.IsTerminal() {
				return false
			}
		}
		return true
	}
	for _, name := range finals {
		if !s.bb.ConceptStatus(name).IsTerminal() {
			return false
		}
	}
	return true
}

// Outcome derives the run status from the blackboard.
func (s *Scheduler) Outcome() RunStatus {
	if s.fatal != nil {
		return RunStatusFailed
	}
	if s.bb.Summary().Failed > 0 {
		return RunStatusPartial
	}
	for _, name := range s.plan.Concepts.Finals() {
		if s.bb.ConceptStatus(name) != StatusCompleted {
			return RunStatusPartial
		}
	}
	return RunStatusSucceeded
}

// Step runs one cycle and reports whether the run is done. A cycle that
// changes nothing while work remains is a deadlock.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	if s.fatal != nil {
		return true, s.fatal
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.Done() {
		return true, nil
	}

	s.cycle++
	ctx, span := s.tel.Tracer.StartCycleSpan(ctx, s.runID, s.cycle)
	defer span.End()

	progress := s.advanceLoops()
	if s.fatal != nil {
		telemetry.RecordError(span, s.fatal)
		return true, s.fatal
	}
	progress += s.resolveSkips()

	ready := s.collectReady()
	dispatched, err := s.dispatch(ctx, ready)
	progress += dispatched

	s.tel.Metrics.RecordCycle(dispatched)
	s.tracker.Record(s.cycle, "", 0, telemetry.EventTypeCycleCompleted,
		fmt.Sprintf("dispatched %d of %d ready", dispatched, len(ready)))

	if err != nil {
		telemetry.RecordError(span, err)
		return true, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	done := s.Done()
	if !done && progress == 0 {
		var pending []string
		for _, e := range s.bb.Entries() {
			if !e.Status.IsTerminal() {
				pending = append(pending, e.FlowIndex.String())
			}
		}
		s.tel.Metrics.RecordDeadlock()
		s.fatal = NewDeadlockError(s.cycle, pending)
		s.logger.WithCycle(s.cycle).WithError(s.fatal).Error("Scheduler made no progress")
		telemetry.RecordError(span, s.fatal)
		return true, s.fatal
	}

	telemetry.RecordSuccess(span)
	return done, nil
}

// collectReady returns every ready inference in flow order. It does not
// change state.
func (s *Scheduler) collectReady() []*repository.Inference {
	var ready []*repository.Inference
	for _, inf := range s.plan.Inferences.Sorted() {
		if r, _ := s.evaluate(inf); r == readyNow {
			ready = append(ready, inf)
		}
	}
	return ready
}

// callResult is the outcome of evaluating one inference.
type callResult struct {
	ref       *reference.Reference
	err       error
	abandoned bool
	duration  time.Duration
}

// dispatch evaluates ready inferences. Engine-evaluated kinds run inline;
// compute inferences go to the agent, one at a time in blocking mode or
// fanned out to bounded workers in concurrent mode. Results are applied in
// flow order.
func (s *Scheduler) dispatch(ctx context.Context, ready []*repository.Inference) (int, error) {
	dispatched := 0
	var computes []*repository.Inference

	for _, inf := range ready {
		if ctx.Err() != nil {
			return dispatched, nil
		}
		if inf.SequenceKind == repository.SequenceCompute {
			computes = append(computes, inf)
			continue
		}

		entry, ok := s.begin(inf)
		if !ok {
			continue
		}
		dispatched++

		if inf.SequenceKind == repository.SequenceQuantifying {
			if err := s.armLoop(inf, entry); err != nil {
				return dispatched, err
			}
			continue
		}

		start := time.Now()
		ref, err := s.evaluateInline(inf)
		if err := s.apply(inf, entry.Iteration, callResult{ref: ref, err: err, duration: time.Since(start)}); err != nil {
			return dispatched, err
		}
		if inf.SequenceKind == repository.SequenceTiming && err == nil && !truthy(ref) {
			s.skipSubtree(inf.WorkingInterpretation.Gate, fmt.Sprintf("gate %s closed", inf.FlowIndex))
		}
	}

	if len(computes) == 0 {
		return dispatched, nil
	}

	if s.opts.Mode == DispatchBlocking {
		for _, inf := range computes {
			if ctx.Err() != nil {
				return dispatched, nil
			}
			entry, ok := s.begin(inf)
			if !ok {
				continue
			}
			dispatched++
			if err := s.apply(inf, entry.Iteration, s.execute(ctx, inf, entry)); err != nil {
				return dispatched, err
			}
		}
		return dispatched, nil
	}

	type launched struct {
		inf   *repository.Inference
		entry Entry
	}
	var work []launched
	for _, inf := range computes {
		if ctx.Err() != nil {
			break
		}
		if entry, ok := s.begin(inf); ok {
			work = append(work, launched{inf: inf, entry: entry})
		}
	}
	dispatched += len(work)

	results := make([]callResult, len(work))
	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallel)
	for i, w := range work {
		g.Go(func() error {
			results[i] = s.execute(ctx, w.inf, w.entry)
			return nil
		})
	}
	_ = g.Wait()

	var fatal error
	for i, w := range work {
		if err := s.apply(w.inf, w.entry.Iteration, results[i]); err != nil && fatal == nil {
			fatal = err
		}
	}
	return dispatched, fatal
}

// begin moves an inference to in_progress. A failed transition means it
// was already dispatched.
func (s *Scheduler) begin(inf *repository.Inference) (Entry, bool) {
	entry, err := s.bb.Begin(inf.FlowIndex)
	if err != nil {
		s.logger.WithFlowIndex(inf.FlowIndex.String()).WithError(err).Warn("Failed to begin inference")
		return Entry{}, false
	}
	s.tracker.Record(s.cycle, inf.FlowIndex, entry.Iteration, telemetry.EventTypeInferenceStarted, string(inf.SequenceKind))
	return entry, true
}

// execute calls the agent for one compute inference with retry logic.
// Calls are detached from run cancellation and bounded by the call timeout
// so that in-flight work finishes or times out.
func (s *Scheduler) execute(ctx context.Context, inf *repository.Inference, entry Entry) callResult {
	fi := inf.FlowIndex
	gen := entry.Iteration
	attempt := entry.Attempts
	maxRetries := inf.Retries(s.opts.MaxRetries)
	start := time.Now()

	scope := s.tel.StartInference(ctx, s.runID, fi.String(), string(inf.SequenceKind), gen)
	defer scope.End()
	ctx = scope.Ctx
	logger := scope.Logger.NewComponentLogger("scheduler")

	for {
		call, err := s.buildCall(inf, gen, attempt)
		if err != nil {
			err = NewAgentExecutionError(ErrorClassPermanent, fi.String(), "failed to resolve inputs", err)
			scope.Fail(err)
			return callResult{err: err, duration: time.Since(start)}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				_ = s.bb.Abandon(fi, gen, err)
				return callResult{abandoned: true}
			}
		}

		ref, err := s.call(ctx, inf, call)
		if err == nil {
			scope.Succeed()
			return callResult{ref: ref, duration: time.Since(start)}
		}

		if IsRetryable(err) && attempt <= maxRetries {
			backoff := calculateBackoff(s.opts, attempt-1, err)
			logger.WithError(err).Warnf("Retrying after failure (attempt %d/%d) in %s", attempt, maxRetries+1, backoff)
			s.tel.Metrics.RecordRetry(string(ClassOf(err)))

			if ferr := s.bb.Fail(fi, gen, err); ferr != nil {
				return callResult{err: ferr, duration: time.Since(start)}
			}
			if rerr := s.bb.Retry(fi, gen); rerr != nil {
				return callResult{err: rerr, duration: time.Since(start)}
			}
			s.tracker.Record(s.cycle, fi, gen, telemetry.EventTypeInferenceRetry, err.Error())

			if sleepContext(ctx, backoff) != nil {
				return callResult{abandoned: true}
			}
			next, berr := s.bb.Begin(fi)
			if berr != nil {
				return callResult{err: berr, duration: time.Since(start)}
			}
			attempt = next.Attempts
			continue
		}

		err = NewAgentExecutionError(ClassOf(err), fi.String(), "agent execution failed", err).
			WithDetail("attempts", attempt)
		scope.Fail(err)
		return callResult{err: err, duration: time.Since(start)}
	}
}

// call performs one agent call under the per-call timeout.
func (s *Scheduler) call(ctx context.Context, inf *repository.Inference, call *AgentCall) (*reference.Reference, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inf.CallTimeout(s.opts.CallTimeout))
	defer cancel()

	strategy, operation := call.Target()
	var out *reference.Reference
	err := telemetry.ObserveAgentCall(callCtx, string(strategy), operation, func(ctx context.Context) error {
		ref, err := s.agent.Execute(ctx, call)
		if err != nil {
			return err
		}
		if ref == nil {
			return NewPermanentError("agent returned no reference", nil).WithCode(ErrCodeValidation)
		}
		out = ref
		return nil
	})
	return out, err
}

// buildCall resolves the inputs of a compute inference into an AgentCall.
func (s *Scheduler) buildCall(inf *repository.Inference, gen, attempt int) (*AgentCall, error) {
	wi := inf.WorkingInterpretation
	call := &AgentCall{
		RunID:      s.runID,
		FlowIndex:  inf.FlowIndex,
		Iteration:  gen,
		Attempt:    attempt,
		Operation:  inf.Operation(),
		IndexAware: wi.IndexAware,
		Params:     wi.Params,
	}

	if inf.FunctionConcept != "" {
		fn, ok := s.refs.Get(inf.FunctionConcept)
		if !ok {
			return nil, fmt.Errorf("function concept %s has no value", inf.FunctionConcept)
		}
		call.Function = fn
	}
	for _, name := range inf.ValueConcepts {
		ref, ok := s.refs.Get(name)
		if !ok {
			return nil, fmt.Errorf("value concept %s has no value", name)
		}
		call.Values = append(call.Values, ref)
		call.ValueNames = append(call.ValueNames, name)
	}
	for _, name := range inf.ContextConcepts {
		ref, ok := s.refs.Get(name)
		if !ok {
			return nil, fmt.Errorf("context concept %s has no value", name)
		}
		call.Context = append(call.Context, ref)
		call.ContextNames = append(call.ContextNames, name)
	}
	return call, nil
}

// apply commits the outcome of an inference. Errors make the inference
// failed and its output the skip sentinel; a failed critical inference is
// fatal to the run.
func (s *Scheduler) apply(inf *repository.Inference, gen int, res callResult) error {
	fi := inf.FlowIndex
	kind := string(inf.SequenceKind)
	logger := s.logger.WithFlowIndex(fi.String()).WithIteration(gen).WithCycle(s.cycle)

	if res.abandoned {
		logger.Debug("Inference abandoned, left pending")
		return nil
	}
	if res.err == nil && res.ref == nil {
		res.err = NewPermanentError("inference produced no value", nil).
			WithCode(ErrCodeInternal).
			WithResource(fi.String())
	}

	if res.err != nil {
		if err := s.bb.Fail(fi, gen, res.err); err != nil {
			logger.WithError(err).Warn("Dropping result")
			return nil
		}
		s.bb.SetConceptStatus(inf.ConceptToInfer, StatusFailed)
		s.refs.Set(inf.ConceptToInfer, reference.SkipReference())
		s.tracker.Record(s.cycle, fi, gen, telemetry.EventTypeInferenceFailed, res.err.Error())
		s.tel.Metrics.RecordInference(kind, string(StatusFailed), res.duration)
		s.tel.Metrics.RecordError(string(ClassOf(res.err)), CodeOf(res.err))
		logger.WithError(res.err).Error("Inference failed")

		s.skipSubtree(fi, fmt.Sprintf("%s failed", fi))
		if inf.Critical {
			s.fatal = res.err
			return res.err
		}
		return nil
	}

	if res.ref.IsSkip() {
		if err := s.bb.Skip(fi, gen); err != nil {
			logger.WithError(err).Warn("Dropping result")
			return nil
		}
		s.markConceptSkipped(inf.ConceptToInfer)
		s.tracker.Record(s.cycle, fi, gen, telemetry.EventTypeInferenceSkipped, "produced skip")
		s.tel.Metrics.RecordInference(kind, string(StatusSkipped), res.duration)
		s.skipSubtree(fi, fmt.Sprintf("%s skipped", fi))
		return nil
	}

	if err := s.bb.Complete(fi, gen); err != nil {
		logger.WithError(err).Warn("Dropping result")
		return nil
	}
	s.refs.Set(inf.ConceptToInfer, res.ref)
	s.bb.SetConceptStatus(inf.ConceptToInfer, StatusCompleted)
	s.tracker.Record(s.cycle, fi, gen, telemetry.EventTypeInferenceCompleted, res.ref.String())
	s.tel.Metrics.RecordInference(kind, string(StatusCompleted), res.duration)
	logger.Debugf("Inference completed in %s", res.duration)
	return nil
}
