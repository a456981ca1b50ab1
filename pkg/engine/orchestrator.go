package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/stores"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Plan      *Plan
	Agent     Agent
	Store     CheckpointStore
	Options   Options
	Inputs    map[string]*reference.Reference
	Telemetry *telemetry.Telemetry
}

// Orchestrator is the host surface of the engine: it starts, resumes and
// forks runs, drives cycles and persists checkpoints.
type Orchestrator struct {
	plan   *Plan
	agent  Agent
	store  CheckpointStore
	opts   Options
	inputs map[string]*reference.Reference
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	// runMu serializes operations that drive the scheduler
	runMu sync.Mutex

	// mu protects the fields below
	mu        sync.RWMutex
	runID     string
	how       string
	status    RunStatus
	sched     *Scheduler
	cancel    context.CancelFunc
	lastSaved int
	lastSeq   int64
}

// NewOrchestrator validates the configuration and creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Agent == nil {
		return nil, NewPermanentError("agent is nil", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Store == nil {
		return nil, NewPermanentError("checkpoint store is nil", nil).WithCode(ErrCodeValidation)
	}
	opts := cfg.Options.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, NewPermanentError("invalid options", err).WithCode(ErrCodeValidation)
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Orchestrator{
		plan:      cfg.Plan,
		agent:     cfg.Agent,
		store:     cfg.Store,
		opts:      opts,
		inputs:    cfg.Inputs,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("orchestrator"),
		status:    RunStatusPending,
		lastSaved: -1,
	}, nil
}

// validateInputs checks that every ground concept has a value and that
// inputs only name ground concepts.
func validateInputs(plan *Plan, inputs map[string]*reference.Reference) error {
	var errs repository.DefinitionErrors
	for name := range inputs {
		c, ok := plan.Concepts.Get(name)
		switch {
		case !ok:
			errs = append(errs, repository.DefinitionError{Subject: name, Message: "input names an unknown concept"})
		case !c.IsGround:
			errs = append(errs, repository.DefinitionError{Subject: name, Message: "input names a concept that is not ground"})
		}
	}
	for _, c := range plan.Concepts.All() {
		if _, ok := inputs[c.Name]; c.IsGround && !ok && !c.HasInitial() {
			errs = append(errs, repository.DefinitionError{Subject: c.Name, Message: "ground concept has no input"})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Subject < errs[j].Subject })
	return NewPlanDefinitionError("invalid ground inputs", errs)
}

// Start begins a fresh run and writes its cycle-0 checkpoint. An empty
// runID gets a generated one.
func (o *Orchestrator) Start(ctx context.Context, runID string) (string, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if runID == "" {
		runID = uuid.New().String()
	}
	if err := validateInputs(o.plan, o.inputs); err != nil {
		return "", err
	}
	if _, err := o.store.GetRun(ctx, runID); err == nil {
		return "", NewConflictError("run already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(runID)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return "", fmt.Errorf("failed to look up run: %w", err)
	}

	sched := NewScheduler(runID, o.plan, o.agent, o.opts, o.inputs, o.tel)
	now := time.Now().UTC()
	run := &stores.RunRecord{
		ID:        runID,
		PlanName:  o.plan.Name,
		Status:    string(RunStatusRunning),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}

	o.activate(runID, "start", sched, -1, 0)
	sched.tracker.Record(0, "", 0, telemetry.EventTypeRunStarted, o.plan.Name)
	if err := o.saveCheckpoint(ctx); err != nil {
		return "", err
	}

	o.logger.WithRunID(runID).Infof("Run started for plan %s", o.plan.Name)
	return runID, nil
}

func (o *Orchestrator) activate(runID, how string, sched *Scheduler, lastSaved int, lastSeq int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = runID
	o.how = how
	o.sched = sched
	o.status = RunStatusRunning
	o.lastSaved = lastSaved
	o.lastSeq = lastSeq
}

// Resume loads a checkpoint (the latest when cycle is negative) and
// reconciles it with the loaded plan.
func (o *Orchestrator) Resume(ctx context.Context, runID string, cycle int, mode ReconcileMode) (*ReconcileReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.resume(ctx, runID, cycle, mode, "resume")
}

func (o *Orchestrator) resume(ctx context.Context, runID string, cycle int, mode ReconcileMode, how string) (*ReconcileReport, error) {
	cp, err := o.loadCheckpoint(ctx, runID, cycle)
	if err != nil {
		return nil, err
	}

	sched := NewScheduler(runID, o.plan, o.agent, o.opts, o.inputs, o.tel)
	report, err := sched.Reconcile(cp, mode)
	if err != nil {
		return nil, err
	}

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, stores.ErrNotFound) {
		run = &stores.RunRecord{ID: runID, PlanName: o.plan.Name, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = string(RunStatusRunning)
	run.Cycle = cp.Cycle
	run.Error = nil
	run.CompletedAt = nil
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	o.activate(runID, how, sched, cp.Cycle, cp.LastSeq)
	o.logger.WithRunID(runID).WithCycle(cp.Cycle).Infof(
		"Run resumed (%s): %d changed, %d reverted, %d unfinished",
		report.Mode, len(report.Changed), len(report.Reverted), len(report.Unfinished))
	return report, nil
}

// Fork copies a checkpoint of src into a new run dst and resumes dst with
// patch reconciliation. The source run is never modified.
func (o *Orchestrator) Fork(ctx context.Context, src, dst string, cycle int) (string, *ReconcileReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if dst == "" {
		dst = uuid.New().String()
	}
	if dst == src {
		return "", nil, NewPermanentError("fork target must differ from source", nil).
			WithCode(ErrCodeValidation).
			WithResource(dst)
	}
	if _, err := o.store.GetRun(ctx, dst); err == nil {
		return "", nil, NewConflictError("run already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(dst)
	}

	cp, err := o.loadCheckpoint(ctx, src, cycle)
	if err != nil {
		return "", nil, err
	}
	cp.RunID = dst
	rec, err := EncodeCheckpoint(cp)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	run := &stores.RunRecord{
		ID:          dst,
		PlanName:    cp.PlanName,
		Status:      string(RunStatusPending),
		ParentRunID: src,
		ForkedCycle: cp.Cycle,
		Cycle:       cp.Cycle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return "", nil, fmt.Errorf("failed to save run: %w", err)
	}
	if err := o.store.SaveCheckpoint(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("failed to copy checkpoint: %w", err)
	}

	report, err := o.resume(ctx, dst, cp.Cycle, ReconcilePatch, "fork")
	if err != nil {
		return "", nil, err
	}
	return dst, report, nil
}

// Step executes exactly one cycle and reports whether the run is done.
func (o *Orchestrator) Step(ctx context.Context) (bool, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.step(o.tel.WithContext(ctx))
}

func (o *Orchestrator) step(ctx context.Context) (bool, error) {
	o.mu.RLock()
	sched, status := o.sched, o.status
	o.mu.RUnlock()

	if sched == nil {
		return false, NewPermanentError("no active run", nil).WithCode(ErrCodeValidation)
	}
	if status.IsTerminal() {
		return true, sched.Err()
	}

	done, err := sched.Step(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return true, o.finish(ctx, RunStatusCancelled, err)
		}
		return true, o.finish(ctx, RunStatusFailed, err)
	}
	if done {
		return true, o.finish(ctx, sched.Outcome(), nil)
	}

	if every := o.opts.CheckpointEvery; every > 0 && sched.Cycle()%every == 0 {
		if err := o.saveCheckpoint(ctx); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Run drives cycles until the run is done, fails or is cancelled.
// Cancellation stops new dispatch, waits for in-flight calls, writes a
// final checkpoint and returns the context error.
func (o *Orchestrator) Run(ctx context.Context) (*StatusReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancel = cancel
	runID, how := o.runID, o.how
	o.mu.Unlock()

	ctx = o.tel.WithContext(ctx)
	ctx = o.tel.BeginRun(ctx, runID, how)

	for {
		done, err := o.step(ctx)
		if done || err != nil {
			report := o.Status()
			o.tel.EndRun(ctx, string(report.Status), report.Cycle, err)
			o.mu.Lock()
			o.cancel = nil
			o.mu.Unlock()
			return &report, err
		}
	}
}

// Cancel stops a run started with Run.
func (o *Orchestrator) Cancel() {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// finish records the final status of a run. Fatal failures leave the last
// checkpoint as is; every other outcome writes a final checkpoint.
func (o *Orchestrator) finish(ctx context.Context, status RunStatus, cause error) error {
	saveCtx := context.WithoutCancel(ctx)
	err := cause
	if status != RunStatusFailed {
		if cerr := o.saveCheckpoint(saveCtx); cerr != nil && err == nil {
			err = cerr
		}
	}

	o.mu.Lock()
	o.status = status
	runID, sched := o.runID, o.sched
	o.mu.Unlock()

	event := telemetry.EventTypeRunCompleted
	switch status {
	case RunStatusFailed:
		event = telemetry.EventTypeRunFailed
	case RunStatusCancelled:
		event = telemetry.EventTypeRunCancelled
	}
	detail := string(status)
	if cause != nil {
		detail = cause.Error()
	}
	sched.tracker.Record(sched.Cycle(), "", 0, event, detail)

	run, gerr := o.store.GetRun(saveCtx, runID)
	if gerr != nil {
		run = &stores.RunRecord{ID: runID, PlanName: o.plan.Name, CreatedAt: time.Now().UTC()}
	}
	now := time.Now().UTC()
	run.Status = string(status)
	run.Cycle = sched.Cycle()
	run.UpdatedAt = now
	if status.IsTerminal() && status != RunStatusCancelled {
		run.CompletedAt = &now
	}
	if cause != nil {
		msg := cause.Error()
		run.Error = &msg
	}
	if serr := o.store.SaveRun(saveCtx, run); serr != nil && err == nil {
		err = fmt.Errorf("failed to save run: %w", serr)
	}

	logger := o.logger.WithRunID(runID).WithCycle(sched.Cycle())
	if cause != nil {
		logger.WithError(cause).Warnf("Run finished with status %s", status)
	} else {
		logger.Infof("Run finished with status %s", status)
	}
	return err
}

// saveCheckpoint persists the current state unless this cycle is already
// checkpointed.
func (o *Orchestrator) saveCheckpoint(ctx context.Context) error {
	o.mu.RLock()
	sched, runID, lastSaved, lastSeq := o.sched, o.runID, o.lastSaved, o.lastSeq
	o.mu.RUnlock()

	cycle := sched.Cycle()
	if cycle == lastSaved {
		return nil
	}

	cp := sched.Snapshot()
	cp.Log = sched.tracker.Since(lastSeq)
	rec, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if err := o.store.SaveCheckpoint(ctx, rec); err != nil {
		o.tel.Metrics.RecordError(string(ErrorClassTransient), ErrCodeInternal)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	o.mu.Lock()
	o.lastSaved = cycle
	o.lastSeq = cp.LastSeq
	o.mu.Unlock()

	o.tel.Metrics.RecordCheckpoint("save", len(rec.Payload))
	_ = o.tel.Events.PublishCheckpointSaved(runID, cycle, len(rec.Payload))
	o.logger.WithRunID(runID).WithCycle(cycle).Debugf("Checkpoint saved (%d bytes)", len(rec.Payload))
	return nil
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, runID string, cycle int) (*Checkpoint, error) {
	rec, err := o.store.LoadCheckpoint(ctx, runID, cycle)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewPermanentError("checkpoint not found", err).
			WithCode(ErrCodeNotFound).
			WithResource(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp, err := DecodeCheckpoint(rec)
	if err != nil {
		return nil, err
	}
	o.tel.Metrics.RecordCheckpoint("load", len(rec.Payload))
	return cp, nil
}

// Status returns a summary of the active run.
func (o *Orchestrator) Status() StatusReport {
	o.mu.RLock()
	sched, runID, status := o.sched, o.runID, o.status
	o.mu.RUnlock()

	report := StatusReport{RunID: runID, Status: status, Finals: make(map[string]Status)}
	if sched == nil {
		return report
	}
	report.Cycle = sched.Cycle()
	report.Summary = sched.bb.Summary()
	for _, name := range o.plan.Concepts.Finals() {
		report.Finals[name] = sched.bb.ConceptStatus(name)
	}
	for _, e := range sched.bb.Entries() {
		if e.Status == StatusFailed {
			report.Failed = append(report.Failed, e.FlowIndex.String())
		}
	}
	return report
}

// RunID returns the id of the active run.
func (o *Orchestrator) RunID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runID
}

// Scheduler returns the scheduler of the active run, or nil.
func (o *Orchestrator) Scheduler() *Scheduler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sched
}

// Snapshot returns the in-memory state of the active run as a checkpoint
// without persisting it.
func (o *Orchestrator) Snapshot() (*Checkpoint, error) {
	sched := o.Scheduler()
	if sched == nil {
		return nil, NewPermanentError("no active run", nil).WithCode(ErrCodeValidation)
	}
	return sched.Snapshot(), nil
}

// ListCheckpoints lists the checkpoints of a run.
func (o *Orchestrator) ListCheckpoints(ctx context.Context, runID string) ([]stores.CheckpointInfo, error) {
	infos, err := o.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return infos, nil
}

// ExportCheckpoint loads and verifies one checkpoint (the latest when cycle
// is negative).
func (o *Orchestrator) ExportCheckpoint(ctx context.Context, runID string, cycle int) (*Checkpoint, error) {
	return o.loadCheckpoint(ctx, runID, cycle)
}

// Finals returns the values of the plan's final concepts.
func (o *Orchestrator) Finals() map[string]*reference.Reference {
	out := make(map[string]*reference.Reference)
	sched := o.Scheduler()
	if sched == nil {
		return out
	}
	for _, name := range o.plan.Concepts.Finals() {
		if ref, ok := sched.refs.Get(name); ok {
			out[name] = ref
		}
	}
	return out
}

// Result returns the current value of a concept.
func (o *Orchestrator) Result(name string) (*reference.Reference, bool) {
	sched := o.Scheduler()
	if sched == nil {
		return nil, false
	}
	return sched.refs.Get(name)
}
