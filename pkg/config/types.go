package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EngineConfig is the configuration of one flightdeck worker.
type EngineConfig struct {
	Worker     WorkerConfig     `json:"worker"`
	Store      StoreConfig      `json:"store"`
	Pool       PoolConfig       `json:"pool"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Membership MembershipConfig `json:"membership"`
	Jobs       JobsConfig       `json:"jobs"`
	Policy     PolicyConfig     `json:"policy"`
	Ingest     IngestConfig     `json:"ingest"`
	Telemetry  TelemetryConfig  `json:"telemetry"`

	// Classes holds per flight class settings keyed by class name.
	Classes map[string]ClassConfig `json:"classes,omitempty" validate:"dive"`
}

// WorkerConfig identifies the process.
type WorkerConfig struct {
	// ID is the worker identity. Empty generates one at startup.
	ID string `json:"id"`

	// IdentityFile remembers the identity across restarts so that the
	// previous incarnation's flights are reclaimed at once.
	IdentityFile string `json:"identity_file"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `json:"driver" validate:"required,oneof=sqlite postgres"`

	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `json:"dsn" validate:"required"`

	// FlightLog enables the append-only step history.
	FlightLog bool `json:"flight_log"`

	MaxOpenConns int `json:"max_open_conns" validate:"gte=0"`
}

// PoolConfig sizes the execution pool.
type PoolConfig struct {
	Workers      int      `json:"workers" validate:"gt=0,lte=1024"`
	QueueSize    int      `json:"queue_size" validate:"gt=0"`
	ErrorBackoff Duration `json:"error_backoff"`
	KillGrace    Duration `json:"kill_grace"`
}

// RecoveryConfig configures the recovery manager.
type RecoveryConfig struct {
	// Interval between periodic passes. Zero disables the ticker.
	Interval Duration `json:"interval"`
}

// MembershipConfig selects how live workers are discovered.
type MembershipConfig struct {
	// Mode is directory, store or static.
	Mode string `json:"mode" validate:"required,oneof=directory store static"`

	// Directory holds heartbeat files in directory mode.
	Directory string `json:"directory" validate:"required_if=Mode directory"`

	// Workers lists the live workers in static mode.
	Workers []string `json:"workers,omitempty"`

	Interval Duration `json:"interval"`
	TTL      Duration `json:"ttl"`
}

// JobsConfig configures the job service.
type JobsConfig struct {
	ShutdownTimeout    Duration `json:"shutdown_timeout"`
	MinShutdownTimeout Duration `json:"min_shutdown_timeout"`
	PollMax            Duration `json:"poll_max"`
	DefaultLimit       int      `json:"default_limit" validate:"gt=0,lte=1000"`
}

// PolicyConfig configures job access decisions.
type PolicyConfig struct {
	// Dir holds extra Rego modules. It is watched for changes.
	Dir string `json:"dir,omitempty"`

	// Admins may read every job.
	Admins []string `json:"admins,omitempty"`
}

// IngestConfig configures the file ingest flight. It is registered only
// when DataDir is set.
type IngestConfig struct {
	DataDir string `json:"data_dir,omitempty"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `json:"log_format" validate:"oneof=console json"`

	// TracingExporter is none, stdout or otlp.
	TracingExporter string  `json:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `json:"sampling_rate" validate:"gte=0,lte=1"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddress string `json:"metrics_address" validate:"required_if=MetricsEnabled true"`
}

// ClassConfig holds settings for one flight class.
type ClassConfig struct {
	// InputScript is a Starlark program run on the inputs of every
	// submission of the class. See InputScripts.
	InputScript string `json:"input_script,omitempty"`

	// Disabled rejects new submissions of the class.
	Disabled bool `json:"disabled,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", string(text))
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// ValidationError is a configuration problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "pool.workers").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
