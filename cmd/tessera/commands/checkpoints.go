package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/stores"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect the checkpoints of a run",
	}

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsExportCommand())

	return cmd
}

func newCheckpointsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the checkpoints of a run, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.ListCheckpoints(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			if len(infos) == 0 {
				return fmt.Errorf("run %s has no checkpoints", args[0])
			}
			return printOutput(infos)
		},
	}
}

func newCheckpointsExportCommand() *cobra.Command {
	var (
		cycle  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Export one checkpoint as JSON",
		Long: `Export loads one checkpoint (the latest unless --cycle is given), verifies
its checksum and writes the decoded snapshot as JSON to stdout or --output.`,
		Example: `  tessera checkpoints export demo --cycle 3 --output demo-3.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.LoadCheckpoint(ctx, args[0], cycle)
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("checkpoint %s@%d not found", args[0], cycle)
			}
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			cp, err := engine.DecodeCheckpoint(rec)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode checkpoint: %w", err)
			}
			if output == "" {
				_, err = fmt.Fprintln(os.Stdout, string(data))
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			log.Info().
				Str("run_id", cp.RunID).
				Int("cycle", cp.Cycle).
				Str("digest", cp.StateDigest()).
				Str("output", output).
				Msg("Checkpoint exported")
			return nil
		},
	}

	cmd.Flags().IntVar(&cycle, "cycle", -1, "checkpoint cycle (latest when negative)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (stdout when empty)")

	return cmd
}
