package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/tessera/pkg/agents"
	"github.com/openfroyo/tessera/pkg/config"
	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/policy"
	"github.com/openfroyo/tessera/pkg/reference"
	"github.com/openfroyo/tessera/pkg/repository"
	"github.com/openfroyo/tessera/pkg/stores"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// host bundles everything a command needs to drive runs.
type host struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    stores.Store
	doc      *repository.Document
	plan     *engine.Plan
	agents   *agents.Registry
	orch     *engine.Orchestrator
}

// loadSettings reads the config file and applies the --verbose flag.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Telemetry.Verbose()
	}
	return settings, nil
}

// openStore opens only the checkpoint store, for read-only commands.
func openStore(ctx context.Context) (*config.Settings, stores.Store, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	store, err := stores.Open(ctx, settings.Store, log.Logger)
	if err != nil {
		return nil, nil, err
	}
	return settings, store, nil
}

// newHost loads config, telemetry, store, plan, inputs and agents and wires
// an orchestrator. operation names the host operation for policy admission.
func newHost(ctx context.Context, operation string, tune func(*engine.Options)) (*host, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	h := &host{settings: settings, tel: tel}

	if settings.Telemetry.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			h.close(ctx)
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	h.store, err = stores.Open(ctx, settings.Store, tel.Logger.Zerolog())
	if err != nil {
		h.close(ctx)
		return nil, err
	}

	h.doc, h.plan, err = loadPlan(ctx, settings, tel, operation)
	if err != nil {
		h.close(ctx)
		return nil, err
	}

	inputs, err := loadInputs(h.plan)
	if err != nil {
		h.close(ctx)
		return nil, err
	}

	h.agents, err = buildAgents(ctx, settings, tel)
	if err != nil {
		h.close(ctx)
		return nil, err
	}

	opts := settings.EngineOptions()
	if tune != nil {
		tune(&opts)
	}
	h.orch, err = engine.NewOrchestrator(engine.OrchestratorConfig{
		Plan:      h.plan,
		Agent:     h.agents,
		Store:     h.store,
		Options:   opts,
		Inputs:    inputs,
		Telemetry: tel,
	})
	if err != nil {
		h.close(ctx)
		return nil, err
	}
	return h, nil
}

// close releases agents, the store and telemetry in reverse order.
func (h *host) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if h.agents != nil {
		if err := h.agents.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close agents")
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if h.tel != nil {
		if err := h.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}

// loadPlan reads the plan sources, builds the plan and runs admission
// policies against it.
func loadPlan(ctx context.Context, settings *config.Settings, tel *telemetry.Telemetry, operation string) (*repository.Document, *engine.Plan, error) {
	loader := repository.NewLoader()
	doc, err := loader.Load(planPaths...)
	if err != nil {
		var le *repository.LoadError
		if errors.As(err, &le) {
			return nil, nil, engine.NewPlanDefinitionError("failed to load plan", err)
		}
		return nil, nil, err
	}

	plan, err := engine.LoadPlan(doc)
	if err != nil {
		return nil, nil, err
	}

	if err := admit(ctx, settings, tel, doc, plan, operation); err != nil {
		return nil, nil, err
	}

	log.Debug().
		Str("plan", plan.Name).
		Int("concepts", plan.Concepts.Len()).
		Int("inferences", plan.Inferences.Len()).
		Msg("Plan loaded")
	return doc, plan, nil
}

// admit evaluates builtin and configured policies against the plan.
func admit(ctx context.Context, settings *config.Settings, tel *telemetry.Telemetry, doc *repository.Document, plan *engine.Plan, operation string) error {
	pe, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return err
	}

	paths := append(append([]string{}, settings.Policy.Paths...), policyPaths...)
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return err
		}
	}
	for _, name := range settings.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return fmt.Errorf("failed to disable policy %s: %w", name, err)
		}
	}

	result, err := pe.Admit(ctx, plan.Concepts, plan.Inferences, &policy.Context{
		Source:    strings.Join(doc.SourceFiles, ","),
		Operation: operation,
	})
	if err != nil {
		return err
	}

	for _, v := range append(append([]policy.Violation{}, result.Violations...), result.Warnings...) {
		_ = tel.Events.PublishPolicyViolation(v.Subject, v.Policy, v.Message)
	}
	for _, w := range result.Warnings {
		log.Warn().Str("policy", w.Policy).Str("subject", w.Subject).Msg(w.Message)
	}
	return result.Err()
}

// loadInputs reads the --inputs file when given.
func loadInputs(plan *engine.Plan) (map[string]*reference.Reference, error) {
	if inputsPath == "" {
		return nil, nil
	}
	raw, err := repository.NewLoader().LoadInputs(inputsPath)
	if err != nil {
		return nil, err
	}
	inputs, err := repository.BuildInputs(plan.Concepts, raw)
	if err != nil {
		return nil, engine.NewPlanDefinitionError("invalid ground inputs", err)
	}
	return inputs, nil
}

// buildAgents registers the builtin agent plus every configured script,
// module and subprocess agent.
func buildAgents(ctx context.Context, settings *config.Settings, tel *telemetry.Telemetry) (*agents.Registry, error) {
	registry := agents.NewRegistry(tel.Logger)
	if err := registry.Register(reference.StrategyBuiltin, agents.NewBuiltinAgent()); err != nil {
		return nil, err
	}

	cfg := settings.Agents
	if len(cfg.Scripts) > 0 {
		sa := agents.NewStarlarkAgent(cfg.ScriptTimeout)
		for _, path := range cfg.Scripts {
			if err := sa.LoadFile(path); err != nil {
				return nil, err
			}
		}
		if err := registry.Register(reference.StrategyStarlark, sa); err != nil {
			return nil, err
		}
	}

	if len(cfg.Modules) > 0 {
		wa, err := agents.NewWasmAgent(ctx, agents.WasmConfig{Timeout: settings.Engine.CallTimeout})
		if err != nil {
			return nil, err
		}
		for _, path := range cfg.Modules {
			if err := wa.LoadFile(ctx, path); err != nil {
				_ = wa.Close(ctx)
				return nil, err
			}
		}
		if err := registry.Register(reference.StrategyWasm, wa); err != nil {
			return nil, err
		}
	}

	if cfg.Command != "" {
		pa, err := agents.NewProcessAgent(agents.ProcessConfig{
			Launcher:       &agents.CommandLauncher{Path: cfg.Command, Args: cfg.Args},
			StartupTimeout: cfg.StartupTimeout,
			Logger:         tel.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(reference.StrategyProcess, pa); err != nil {
			return nil, err
		}
	}

	log.Debug().Interface("strategies", registry.Strategies()).Msg("Agents registered")
	return registry, nil
}

// printOutput writes v as JSON with --json, YAML otherwise. The YAML form
// goes through JSON first so json tags and custom marshalers apply.
func printOutput(v interface{}) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// runOutput is what start, resume, fork and step print.
type runOutput struct {
	Run       engine.StatusReport             `json:"run"`
	Reconcile *engine.ReconcileReport         `json:"reconcile,omitempty"`
	Finals    map[string]*reference.Reference `json:"finals,omitempty"`
}

func newRunOutput(h *host, report *engine.ReconcileReport) runOutput {
	return runOutput{
		Run:       h.orch.Status(),
		Reconcile: report,
		Finals:    h.orch.Finals(),
	}
}
