package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
)

func newStepCommand() *cobra.Command {
	var (
		cycles int
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "step RUN_ID",
		Short: "Execute exactly one cycle of a run",
		Long: `Step resumes the run from its latest checkpoint, executes one cycle (or
--cycles cycles) in blocking dispatch mode and checkpoints after each cycle.
It is the interactive driver for debugging a plan.`,
		Example: `  # Start a run without executing it, then step through it
  tessera start --run-id demo --detach
  tessera step demo
  tessera step demo --cycles 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rm, err := engine.ParseReconcileMode(mode)
			if err != nil {
				return err
			}

			h, err := newHost(ctx, "step", func(o *engine.Options) {
				o.Mode = engine.DispatchBlocking
				o.CheckpointEvery = 1
			})
			if err != nil {
				return err
			}
			defer h.close(ctx)

			report, err := h.orch.Resume(ctx, args[0], -1, rm)
			if err != nil {
				return err
			}

			for i := 0; i < cycles; i++ {
				done, err := h.orch.Step(ctx)
				if err != nil {
					_ = printOutput(newRunOutput(h, report))
					return err
				}
				log.Info().Str("run_id", args[0]).Int("cycle", h.orch.Status().Cycle).Bool("done", done).Msg("Cycle executed")
				if done {
					break
				}
			}
			return printOutput(newRunOutput(h, report))
		},
	}

	cmd.Flags().IntVarP(&cycles, "cycles", "n", 1, "number of cycles to execute")
	cmd.Flags().StringVar(&mode, "mode", string(engine.ReconcilePatch), "reconciliation mode used to load the run")

	return cmd
}
