package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/stores"
)

// statusOutput is the blackboard summary of a run's latest checkpoint.
type statusOutput struct {
	Run     *stores.RunRecord        `json:"run"`
	Cycle   int                      `json:"checkpoint_cycle"`
	Summary engine.Summary           `json:"summary"`
	Finals  map[string]engine.Status `json:"finals,omitempty"`
	Failed  []string                 `json:"failed,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show the status of a run, or list runs",
		Long: `Show the run record and the blackboard summary (status counts, current
cycle, final concepts) of a run's latest checkpoint. Without a run id,
list the most recent runs. Status never modifies the store.`,
		Example: `  # List recent runs
  tessera status

  # Summarize one run as JSON
  tessera status demo --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
				return printOutput(runs)
			}

			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			out := statusOutput{Run: run, Cycle: -1}
			rec, err := store.LoadCheckpoint(ctx, args[0], -1)
			switch {
			case errors.Is(err, stores.ErrNotFound):
				return printOutput(out)
			case err != nil:
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			cp, err := engine.DecodeCheckpoint(rec)
			if err != nil {
				return err
			}

			out.Cycle = cp.Cycle
			out.Summary = cp.Summary
			for _, e := range cp.Entries {
				if e.Status == engine.StatusFailed {
					out.Failed = append(out.Failed, e.FlowIndex.String())
				}
			}
			out.Finals = finalStatuses(cp)
			return printOutput(out)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

// finalStatuses reads the statuses of the plan's final concepts.
func finalStatuses(cp *engine.Checkpoint) map[string]engine.Status {
	out := make(map[string]engine.Status, len(cp.Finals))
	for _, name := range cp.Finals {
		out[name] = cp.Concepts[name]
	}
	return out
}
