package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// planSummary is what validate prints for an admitted plan.
type planSummary struct {
	Name       string                                        `json:"name"`
	Files      []string                                      `json:"files"`
	Concepts   int                                           `json:"concepts"`
	Inferences int                                           `json:"inferences"`
	Levels     int                                           `json:"levels"`
	Finals     []string                                      `json:"finals"`
	Inputs     []string                                      `json:"inputs,omitempty"`
	Signatures map[repository.FlowIndex]repository.Signature `json:"signatures,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		dot        bool
		signatures bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the plan without running it",
		Long: `Validate loads the plan and checks:
  - document syntax and schema (YAML, JSON, CUE)
  - flow index format and uniqueness
  - dangling concept references and dependency cycles
  - admission policies (OPA/rego)
  - ground inputs, when --inputs is given`,
		Example: `  # Validate the plan in ./plan
  tessera validate

  # Render the dependency graph
  tessera validate --plan plan.yaml --dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			tel, err := telemetry.NewTelemetry(&settings.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			doc, plan, err := loadPlan(ctx, settings, tel, "validate")
			if err != nil {
				return err
			}
			inputs, err := loadInputs(plan)
			if err != nil {
				return err
			}

			if dot {
				fmt.Print(plan.ToDOT())
				return nil
			}

			out := planSummary{
				Name:       plan.Name,
				Files:      doc.SourceFiles,
				Concepts:   plan.Concepts.Len(),
				Inferences: plan.Inferences.Len(),
				Levels:     len(plan.Levels),
				Finals:     plan.Concepts.Finals(),
			}
			for name := range inputs {
				out.Inputs = append(out.Inputs, name)
			}
			sort.Strings(out.Inputs)
			if signatures {
				out.Signatures = plan.Signatures
			}
			return printOutput(out)
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")
	cmd.Flags().BoolVar(&signatures, "signatures", false, "include definition signatures")

	return cmd
}
