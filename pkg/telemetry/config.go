package telemetry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the logging, tracing, metrics and run event settings of one
// tessera process. It is embedded under the "telemetry" key of the engine
// settings file.
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version" validate:"required"`
	Environment    string `mapstructure:"environment" yaml:"environment"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`

	ResourceAttributes map[string]string `mapstructure:"resource_attributes" yaml:"resource_attributes,omitempty"`
}

// LoggingConfig configures the zerolog logger shared by the scheduler,
// orchestrator and agents.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output       string `mapstructure:"output" yaml:"output"`
	EnableCaller bool   `mapstructure:"enable_caller" yaml:"enable_caller"`

	// Sampling keeps the first SamplingInitial lines per second, then every
	// SamplingThereafter-th. Useful for long loops.
	EnableSampling     bool `mapstructure:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `mapstructure:"sampling_initial" yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `mapstructure:"sampling_thereafter" yaml:"sampling_thereafter" validate:"gte=0"`

	TimeFormat string `mapstructure:"time_format" yaml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures run, cycle, inference and agent spans.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	// Endpoint is the OTLP collector, e.g. "localhost:4317".
	Endpoint           string            `mapstructure:"endpoint" yaml:"endpoint"`
	SamplingRate       float64           `mapstructure:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `mapstructure:"export_timeout" yaml:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Insecure           bool              `mapstructure:"insecure" yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `mapstructure:"path" yaml:"path"`
	Namespace     string `mapstructure:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are the inference and agent latency buckets in
	// seconds.
	DefaultHistogramBuckets []float64 `mapstructure:"histogram_buckets" yaml:"histogram_buckets,omitempty"`
}

// EventsConfig configures the run event publisher behind the process tracker.
type EventsConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gte=0,required_if=Enabled true"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`
	MaxBatchSize  int           `mapstructure:"max_batch_size" yaml:"max_batch_size" validate:"gte=0"`
	// EnableAsync delivers events on one dispatch goroutine in publish order.
	EnableAsync bool `mapstructure:"enable_async" yaml:"enable_async"`
}

// DefaultConfig returns the settings used by the tessera CLI. Tracing and
// the metrics endpoint are off; a CLI invocation should not open ports.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tessera",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "tessera",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// Verbose switches logging to debug with caller information. The CLI
// applies it for --verbose.
func (c *Config) Verbose() {
	c.Logging.Level = "debug"
	c.Logging.EnableCaller = true
	c.Logging.EnableSampling = false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks c against its field rules. Every violation is reported,
// keyed by its config path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s %s (got: %v)", key, ruleMessage(fe), fe.Value()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "required", "required_if":
		return "is required"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
