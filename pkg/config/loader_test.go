package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func TestLoader_Default(t *testing.T) {
	cfg := newTestLoader(t).Default()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if !cfg.Store.FlightLog {
		t.Errorf("expected flight log enabled by default")
	}
	if cfg.Pool.Workers != 4 {
		t.Errorf("expected 4 pool workers, got %d", cfg.Pool.Workers)
	}
	if cfg.Recovery.Interval.D() != 30*time.Second {
		t.Errorf("expected 30s recovery interval, got %s", cfg.Recovery.Interval)
	}
	if cfg.Membership.Mode != "directory" {
		t.Errorf("expected directory membership, got %s", cfg.Membership.Mode)
	}
	if cfg.Jobs.MinShutdownTimeout.D() != 14*time.Second {
		t.Errorf("expected 14s minimum shutdown timeout, got %s", cfg.Jobs.MinShutdownTimeout)
	}
	if cfg.Telemetry.SamplingRate != 1.0 {
		t.Errorf("expected sampling rate 1, got %v", cfg.Telemetry.SamplingRate)
	}
}

func TestLoader_ParseInline(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errPath   string
		checkFunc func(*testing.T, *EngineConfig)
	}{
		{
			name: "partial config keeps defaults",
			content: `
worker: id: "pod-1"
pool: workers: 16
store: {
	driver: "postgres"
	dsn:    "postgres://flightdeck@db/flightdeck"
}
`,
			checkFunc: func(t *testing.T, cfg *EngineConfig) {
				if cfg.Worker.ID != "pod-1" {
					t.Errorf("expected worker id pod-1, got %s", cfg.Worker.ID)
				}
				if cfg.Pool.Workers != 16 {
					t.Errorf("expected 16 workers, got %d", cfg.Pool.Workers)
				}
				if cfg.Pool.QueueSize != 1000 {
					t.Errorf("expected default queue size, got %d", cfg.Pool.QueueSize)
				}
				if cfg.Store.Driver != "postgres" {
					t.Errorf("expected postgres, got %s", cfg.Store.Driver)
				}
			},
		},
		{
			name: "durations",
			content: `
pool: error_backoff: "250ms"
membership: {
	interval: "1m30s"
	ttl:      "5m"
}
`,
			checkFunc: func(t *testing.T, cfg *EngineConfig) {
				if cfg.Pool.ErrorBackoff.D() != 250*time.Millisecond {
					t.Errorf("expected 250ms, got %s", cfg.Pool.ErrorBackoff)
				}
				if cfg.Membership.Interval.D() != 90*time.Second {
					t.Errorf("expected 1m30s, got %s", cfg.Membership.Interval)
				}
			},
		},
		{
			name: "class settings",
			content: `
classes: "ingest.file": disabled: true
`,
			checkFunc: func(t *testing.T, cfg *EngineConfig) {
				cc, ok := cfg.Classes["ingest.file"]
				if !ok {
					t.Fatalf("expected class ingest.file")
				}
				if !cc.Disabled {
					t.Errorf("expected class to be disabled")
				}
			},
		},
		{
			name:    "unknown field",
			content: `pool: threads: 4`,
			wantErr: true,
		},
		{
			name:    "out of range",
			content: `pool: workers: 0`,
			wantErr: true,
		},
		{
			name:    "bad duration",
			content: `recovery: interval: "soon"`,
			wantErr: true,
		},
		{
			name:    "unknown driver",
			content: `store: driver: "mysql"`,
			wantErr: true,
		},
		{
			name: "otlp needs an endpoint",
			content: `
telemetry: tracing_exporter: "otlp"
`,
			wantErr: true,
			errPath: "telemetry.tracing_endpoint",
		},
		{
			name:    "invalid syntax",
			content: `pool: {workers: 4`,
			wantErr: true,
		},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := l.ParseInline(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInline() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var problems ValidationErrors
				if !errors.As(err, &problems) {
					t.Fatalf("expected ValidationErrors, got %T", err)
				}
				if tt.errPath != "" && problems[0].Path != tt.errPath {
					t.Errorf("expected error at %s, got %s", tt.errPath, problems[0].Path)
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, cfg)
			}
		})
	}
}

func TestLoader_LoadUnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.cue")
	site := filepath.Join(dir, "site.cue")
	if err := os.WriteFile(base, []byte("pool: workers: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(site, []byte("worker: id: \"site-a\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := newTestLoader(t).Load(base, site)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Workers != 8 || cfg.Worker.ID != "site-a" {
		t.Errorf("expected both files applied, got workers=%d id=%s", cfg.Pool.Workers, cfg.Worker.ID)
	}
}

func TestLoader_LoadReportsConflictPosition(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cue")
	b := filepath.Join(dir, "b.cue")
	if err := os.WriteFile(a, []byte("pool: workers: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("pool: workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := newTestLoader(t).Load(a, b)
	var problems ValidationErrors
	if !errors.As(err, &problems) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if problems[0].File == "" || problems[0].Line == 0 {
		t.Errorf("expected a file position, got %+v", problems[0])
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	_, err := newTestLoader(t).Load(filepath.Join(t.TempDir(), "absent.cue"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{" 2h ", 2 * time.Hour, false},
		{"0", 0, false},
		{"-1s", 0, true},
		{"fast", 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if d.D() != tt.want {
			t.Errorf("UnmarshalText(%q) = %s, want %s", tt.in, d, tt.want)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{File: "site.cue", Line: 3, Column: 9, Path: "pool.workers", Message: "out of bound"}
	want := "site.cue:3:9: pool.workers: out of bound"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	all := ValidationErrors{err, {Message: "second"}}
	if !strings.HasPrefix(all.Error(), "invalid configuration: ") || !strings.HasSuffix(all.Error(), "; second") {
		t.Errorf("unexpected joined message %q", all.Error())
	}
}

func TestEngineConfig_TelemetryConfig(t *testing.T) {
	cfg, err := newTestLoader(t).ParseInline(`
telemetry: {
	log_format:       "json"
	tracing_exporter: "stdout"
	metrics_enabled:  false
}
`)
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	tc := cfg.TelemetryConfig("1.2.3")
	if err := tc.Validate(); err != nil {
		t.Fatalf("telemetry config is invalid: %v", err)
	}
	if tc.ServiceVersion != "1.2.3" || !tc.Tracing.Enabled || tc.Metrics.Enabled {
		t.Errorf("unexpected telemetry config %+v", tc)
	}
}
