package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfroyo/tessera/pkg/engine"
	"github.com/openfroyo/tessera/pkg/stores"
	"github.com/openfroyo/tessera/pkg/telemetry"
)

// EnvPrefix is the prefix of environment overrides, e.g. TESSERA_ENGINE_MODE.
const EnvPrefix = "TESSERA"

// DefaultConfigName is the file searched for in the working directory when
// no explicit path is given.
const DefaultConfigName = "tessera"

// Settings is the complete host configuration.
type Settings struct {
	Engine    EngineSettings   `mapstructure:"engine" yaml:"engine"`
	Store     stores.Config    `mapstructure:"store" yaml:"store"`
	Agents    AgentSettings    `mapstructure:"agents" yaml:"agents"`
	Policy    PolicySettings   `mapstructure:"policy" yaml:"policy"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// EngineSettings tunes dispatch, retries and checkpointing.
type EngineSettings struct {
	// Mode is "blocking" or "concurrent".
	Mode string `mapstructure:"mode" yaml:"mode" validate:"oneof=blocking concurrent"`

	MaxParallel    int           `mapstructure:"max_parallel" yaml:"max_parallel" validate:"gte=1"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay" validate:"gte=0"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gt=0"`

	// CheckpointEvery persists a checkpoint every N cycles; 0 keeps only
	// the initial and final checkpoints.
	CheckpointEvery int `mapstructure:"checkpoint_every" yaml:"checkpoint_every" validate:"gte=0"`

	// AgentRateLimit bounds agent calls per second; 0 is unlimited.
	AgentRateLimit float64 `mapstructure:"agent_rate_limit" yaml:"agent_rate_limit" validate:"gte=0"`
	AgentBurst     int     `mapstructure:"agent_burst" yaml:"agent_burst" validate:"gte=0"`
}

// AgentSettings selects the agents registered with the host.
type AgentSettings struct {
	// Scripts are Starlark files served under the starlark strategy.
	Scripts []string `mapstructure:"scripts" yaml:"scripts,omitempty"`

	// Modules are WASM files served under the wasm strategy.
	Modules []string `mapstructure:"modules" yaml:"modules,omitempty"`

	// Command is the subprocess agent served under the process strategy.
	// Empty disables the strategy.
	Command string   `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`

	ScriptTimeout  time.Duration `mapstructure:"script_timeout" yaml:"script_timeout" validate:"gte=0"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout" validate:"gte=0"`
}

// PolicySettings configures plan admission.
type PolicySettings struct {
	// Paths are .rego files, policy documents, bundles or directories.
	Paths []string `mapstructure:"paths" yaml:"paths,omitempty"`

	// Disabled names policies, builtin or loaded, to switch off.
	Disabled []string `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	opts := engine.DefaultOptions()
	return &Settings{
		Engine: EngineSettings{
			Mode:            string(opts.Mode),
			MaxParallel:     opts.MaxParallel,
			MaxRetries:      opts.MaxRetries,
			RetryBaseDelay:  opts.RetryBaseDelay,
			RetryMaxDelay:   opts.RetryMaxDelay,
			CallTimeout:     opts.CallTimeout,
			CheckpointEvery: opts.CheckpointEvery,
		},
		Store: stores.Config{
			Backend:   stores.BackendSQLite,
			Path:      "tessera.db",
			RedisAddr: "localhost:6379",
			Namespace: "tessera",
		},
		Agents: AgentSettings{
			ScriptTimeout:  30 * time.Second,
			StartupTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// SetDefaults registers every default with v so that environment overrides
// apply to keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.mode", d.Engine.Mode)
	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.retry_base_delay", d.Engine.RetryBaseDelay)
	v.SetDefault("engine.retry_max_delay", d.Engine.RetryMaxDelay)
	v.SetDefault("engine.call_timeout", d.Engine.CallTimeout)
	v.SetDefault("engine.checkpoint_every", d.Engine.CheckpointEvery)
	v.SetDefault("engine.agent_rate_limit", d.Engine.AgentRateLimit)
	v.SetDefault("engine.agent_burst", d.Engine.AgentBurst)

	v.SetDefault("store.backend", string(d.Store.Backend))
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_password", d.Store.RedisPassword)
	v.SetDefault("store.redis_db", d.Store.RedisDB)
	v.SetDefault("store.namespace", d.Store.Namespace)

	v.SetDefault("agents.scripts", d.Agents.Scripts)
	v.SetDefault("agents.modules", d.Agents.Modules)
	v.SetDefault("agents.command", d.Agents.Command)
	v.SetDefault("agents.args", d.Agents.Args)
	v.SetDefault("agents.script_timeout", d.Agents.ScriptTimeout)
	v.SetDefault("agents.startup_timeout", d.Agents.StartupTimeout)

	v.SetDefault("policy.paths", d.Policy.Paths)
	v.SetDefault("policy.disabled", d.Policy.Disabled)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.flush_interval", t.Events.FlushInterval)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}

// Load reads settings from path, or from ./tessera.{yaml,yml,json} when
// path is empty and such a file exists, applies TESSERA_* environment
// overrides and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := settings.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return settings, nil
}

// EngineOptions converts the engine section.
func (s *Settings) EngineOptions() engine.Options {
	e := s.Engine
	return engine.Options{
		Mode:            engine.DispatchMode(e.Mode),
		MaxParallel:     e.MaxParallel,
		MaxRetries:      e.MaxRetries,
		RetryBaseDelay:  e.RetryBaseDelay,
		RetryMaxDelay:   e.RetryMaxDelay,
		CallTimeout:     e.CallTimeout,
		CheckpointEvery: e.CheckpointEvery,
		RateLimit:       e.AgentRateLimit,
		Burst:           e.AgentBurst,
	}
}
