package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate the plan on every change",
		Long: `Watch validates the plan, then re-validates it whenever a plan file
changes and reports which inferences changed and which ones a
"tessera resume --mode patch" would revert to pending.`,
		Example: `  tessera watch --plan ./plan`,
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

			_, current, err := loadPlan(ctx, settings, tel, "watch")
			if err != nil {
				return err
			}
			log.Info().Str("plan", current.Name).Int("inferences", current.Inferences.Len()).Msg("Plan valid")

			var mu sync.Mutex
			watcher := repository.NewWatcher(repository.NewLoader(), tel.Logger.Zerolog())
			watcher.SetDebounce(debounce)
			defer watcher.Close()

			err = watcher.Watch(ctx, planPaths, func(doc *repository.Document, err error) {
				if err != nil {
					log.Error().Err(err).Msg("Plan failed to load")
					return
				}
				next, err := engine.LoadPlan(doc)
				if err == nil {
					err = admit(ctx, settings, tel, doc, next, "watch")
				}
				if err != nil {
					log.Error().Err(err).Msg("Plan is invalid")
					return
				}
				_ = tel.Events.PublishPlanReloaded(next.Name, doc.SourceFiles)

				mu.Lock()
				diff := engine.DiffPlans(current, next)
				current = next
				mu.Unlock()

				if diff.Empty() {
					log.Info().Str("plan", next.Name).Msg("Plan reloaded, no definition changed")
					return
				}
				log.Info().
					Str("plan", next.Name).
					Int("changed", len(diff.Changed)).
					Int("added", len(diff.Added)).
					Int("removed", len(diff.Removed)).
					Int("reverted", len(diff.Reverted)).
					Msg("Plan reloaded")
				if err := printOutput(diff); err != nil {
					log.Warn().Err(err).Msg("Failed to print diff")
				}
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "delay before reloading after a change")

	return cmd
}
