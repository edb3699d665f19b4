package config

// engineSchema constrains configuration files and supplies defaults. The
// definition is closed so misspelled fields are reported.
const engineSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | "0"

#EngineConfig: {
	worker: {
		id:            *"" | string
		identity_file: *"flightdeck.id" | string
	}
	store: {
		driver:         *"sqlite" | "postgres"
		dsn:            *"flightdeck.db" | string & !=""
		flight_log:     *true | bool
		max_open_conns: *0 | int & >=0
	}
	pool: {
		workers:       *4 | int & >0 & <=1024
		queue_size:    *1000 | int & >0
		error_backoff: *"5s" | #Duration
		kill_grace:    *"1s" | #Duration
	}
	recovery: {
		interval: *"30s" | #Duration
	}
	membership: {
		mode:      *"directory" | "store" | "static"
		directory: *"workers" | string
		workers:   *[] | [...string]
		interval:  *"5s" | #Duration
		ttl:       *"15s" | #Duration
	}
	jobs: {
		shutdown_timeout:     *"30s" | #Duration
		min_shutdown_timeout: *"14s" | #Duration
		poll_max:             *"2s" | #Duration
		default_limit:        *10 | int & >0 & <=1000
	}
	policy: {
		dir:    *"" | string
		admins: *[] | [...string]
	}
	ingest: {
		data_dir: *"" | string
	}
	telemetry: {
		log_level:        *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		log_format:       *"console" | "json"
		tracing_exporter: *"none" | "stdout" | "otlp"
		tracing_endpoint: *"" | string
		sampling_rate:    *1.0 | number & >=0 & <=1
		metrics_enabled:  *true | bool
		metrics_address:  *":9090" | string
	}
	classes: [string]: {
		input_script: *"" | string
		disabled:     *false | bool
	}
}
`
