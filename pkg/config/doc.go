// Package config loads the configuration of a flightdeck worker.
//
// Configuration is written in CUE. Each file sets any subset of the fields
// of #EngineConfig; everything else takes the default from the embedded
// schema. Several files, or a directory holding a CUE package, are unified,
// so a shared base file can be combined with a per-host file:
//
//	// base.cue
//	store: {
//		driver: "postgres"
//		dsn:    "postgres://flightdeck@db/flightdeck"
//	}
//	membership: mode: "store"
//
//	// host.cue
//	worker: identity_file: "/var/lib/flightdeck/id"
//	pool: workers: 16
//
// Loading runs in two phases. CUE checks types, ranges and unknown fields
// and reports problems with file positions. The decoded EngineConfig is
// then checked with validator for rules that span fields, such as an OTLP
// exporter requiring an endpoint.
//
//	loader, err := config.NewLoader()
//	if err != nil {
//		return err
//	}
//	cfg, err := loader.Load("base.cue", "host.cue")
//
// # Admission
//
// The classes section configures submissions per flight class. A class can
// be disabled or given a Starlark input script that may rewrite or reject
// the inputs of every submission. See Admission.
package config
