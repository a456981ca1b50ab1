package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var (
		runID  string
		detach bool
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a fresh run of the plan",
		Long: `Start a fresh run of the plan and drive it until every final concept is
completed or skipped, the run fails, or it is interrupted.

An interrupted run stops dispatching, waits for in-flight agent calls and
writes a final checkpoint, so it can be continued with "tessera resume".`,
		Example: `  # Run the plan in ./plan with ground inputs
  tessera start --inputs inputs.yaml

  # Create the run and its cycle-0 checkpoint only, then drive it with step
  tessera start --run-id demo --detach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := newHost(ctx, "start", dispatchMode(mode))
			if err != nil {
				return err
			}
			defer h.close(ctx)

			id, err := h.orch.Start(ctx, runID)
			if err != nil {
				return err
			}
			log.Info().Str("run_id", id).Str("plan", h.plan.Name).Msg("Run started")

			return drive(ctx, h, nil, detach)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().BoolVar(&detach, "detach", false, "only create the run, do not execute cycles")
	cmd.Flags().StringVar(&mode, "mode", "", "dispatch mode override (blocking, concurrent)")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		mode     string
		cycle    int
		detach   bool
		dispatch string
	)

	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a run from a checkpoint",
		Long: `Resume a run from its latest checkpoint, or from --cycle, reconciling the
checkpoint with the currently loaded plan:

  patch      keep unchanged inferences; changed ones and everything
             downstream of them revert to pending (default)
  overwrite  trust the checkpoint entirely; fails if the plan is
             structurally incompatible
  fill_gaps  start from the plan and take only unchanged state from
             the checkpoint`,
		Example: `  # Continue after an interruption
  tessera resume demo

  # Re-run only what changed after editing the plan
  tessera resume demo --mode patch

  # Reproduce cycle 3 exactly
  tessera resume demo --mode overwrite --cycle 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rm, err := engine.ParseReconcileMode(mode)
			if err != nil {
				return err
			}

			h, err := newHost(ctx, "resume", dispatchMode(dispatch))
			if err != nil {
				return err
			}
			defer h.close(ctx)

			report, err := h.orch.Resume(ctx, args[0], cycle, rm)
			if err != nil {
				return err
			}
			log.Info().
				Str("run_id", args[0]).
				Int("cycle", report.Cycle).
				Int("reverted", len(report.Reverted)).
				Msg("Run resumed")

			return drive(ctx, h, report, detach)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(engine.ReconcilePatch), "reconciliation mode (patch, overwrite, fill_gaps)")
	cmd.Flags().IntVar(&cycle, "cycle", -1, "checkpoint cycle (latest when negative)")
	cmd.Flags().BoolVar(&detach, "detach", false, "only reconcile, do not execute cycles")
	cmd.Flags().StringVar(&dispatch, "dispatch", "", "dispatch mode override (blocking, concurrent)")

	return cmd
}

func newForkCommand() *cobra.Command {
	var (
		cycle  int
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "fork SOURCE_RUN_ID [NEW_RUN_ID]",
		Short: "Copy a run's checkpoint into a new run and continue it",
		Long: `Fork copies a checkpoint of the source run into a new run id and resumes
the copy with patch reconciliation. The source run is never modified and
stays independently resumable.`,
		Example: `  # Fork the latest checkpoint of demo
  tessera fork demo demo-b

  # Fork from cycle 2 with a generated id
  tessera fork demo --cycle 2`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dst := ""
			if len(args) > 1 {
				dst = args[1]
			}

			h, err := newHost(ctx, "fork", nil)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			id, report, err := h.orch.Fork(ctx, args[0], dst, cycle)
			if err != nil {
				return err
			}
			log.Info().Str("source", args[0]).Str("run_id", id).Int("cycle", report.Cycle).Msg("Run forked")

			return drive(ctx, h, report, detach)
		},
	}

	cmd.Flags().IntVar(&cycle, "cycle", -1, "source checkpoint cycle (latest when negative)")
	cmd.Flags().BoolVar(&detach, "detach", false, "only fork, do not execute cycles")

	return cmd
}

// drive runs the active run to the end unless detached, then prints the
// outcome. A cancelled run is reported before its error is returned.
func drive(ctx context.Context, h *host, report *engine.ReconcileReport, detach bool) error {
	if detach {
		return printOutput(newRunOutput(h, report))
	}

	_, runErr := h.orch.Run(ctx)
	if err := printOutput(newRunOutput(h, report)); err != nil {
		return err
	}
	if errors.Is(runErr, context.Canceled) {
		log.Warn().Str("run_id", h.orch.RunID()).Msg("Run interrupted; resume it to continue")
	}
	return runErr
}

// dispatchMode returns an options override for a non-empty mode name.
func dispatchMode(mode string) func(*engine.Options) {
	if mode == "" {
		return nil
	}
	return func(o *engine.Options) {
		o.Mode = engine.DispatchMode(mode)
	}
}
