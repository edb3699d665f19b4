package config

import (
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// TelemetryConfig returns the telemetry settings on top of the defaults.
func (c *EngineConfig) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	if c.Telemetry.LogFormat == "json" {
		tc.Environment = "production"
		tc.Logging.TimeFormat = "unix"
	}

	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate

	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	return tc
}

// StoreConfig returns the state store settings.
func (c *EngineConfig) StoreConfig() stores.Config {
	return stores.Config{
		Driver:       c.Store.Driver,
		DSN:          c.Store.DSN,
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}
