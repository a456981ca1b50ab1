// Package main implements tessera-agent, the subprocess agent served under
// the "process" pointer strategy. It reads execute requests as JSON lines
// on stdin and answers on stdout; logs go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tessera/pkg/agents"
	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		scripts       []string
		ttl           time.Duration
		scriptTimeout time.Duration
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "tessera-agent",
		Short: "Serve builtin and Starlark operations over stdio",
		Long: `tessera-agent announces READY on stdout, then executes every request it
reads from stdin concurrently until stdin closes, the TTL expires or it is
interrupted. Operations are looked up in the builtin table first, then in
the loaded Starlark scripts.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:      logLevel,
				Format:     "json",
				Output:     "stderr",
				TimeFormat: "rfc3339",
			})
			if err != nil {
				return err
			}

			builtin := agents.NewBuiltinAgent()
			operations := builtin.Operations()
			chain := []engine.Agent{builtin}

			if len(scripts) > 0 {
				sa := agents.NewStarlarkAgent(scriptTimeout)
				for _, path := range scripts {
					if err := sa.LoadFile(path); err != nil {
						logger.WithError(err).Error("Failed to load script")
						return err
					}
				}
				operations = append(operations, sa.Functions()...)
				chain = append(chain, sa)
			}

			err = agents.Serve(cmd.Context(), os.Stdin, os.Stdout, agents.Chain(chain...), agents.ServerConfig{
				Version:    Version,
				Operations: operations,
				Logger:     logger,
				TTL:        ttl,
			})
			if err != nil {
				logger.WithError(err).Error("Agent stopped")
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&scripts, "script", nil, "Starlark script to serve (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "stop after this long; 0 disables")
	cmd.Flags().DurationVar(&scriptTimeout, "script-timeout", 30*time.Second, "per-call Starlark timeout")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")

	return cmd
}
