package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
)

var (
	// Global flags
	configPath  string
	planPaths   []string
	inputsPath  string
	policyPaths []string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error to the process exit code: 2 for plan definition
// errors, 3 for deadlocks, 4 for reconciliation conflicts, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsPlanDefinitionError(err):
		return 2
	case engine.IsDeadlockError(err):
		return 3
	case engine.IsReconciliationConflictError(err):
		return 4
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tessera",
		Short: "Tessera - plan graph orchestration engine",
		Long: `Tessera executes a pre-compiled plan graph of inferences. Each inference
produces one named tensor reference; the scheduler dispatches every ready
inference per cycle and checkpoints the run so it can be resumed or forked.

Features:
  - Plans in YAML, JSON or CUE
  - Loops, conditional branches and fallback assignment
  - Checkpoints in SQLite, Redis or Badger
  - Resume with patch, overwrite or fill_gaps reconciliation
  - Agents: builtin, Starlark, WASM and subprocess
  - Plan admission policies (OPA/rego)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVarP(&planPaths, "plan", "p", []string{"plan"}, "plan files or directories")
	rootCmd.PersistentFlags().StringVarP(&inputsPath, "inputs", "i", "", "ground inputs file (YAML or JSON)")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newForkCommand())
	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
