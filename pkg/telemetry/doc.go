// Package telemetry wires the observability stack of a flightdeck worker.
//
// It combines four parts behind one Telemetry value:
//
//   - Logger: zerolog with flight, step and worker field helpers
//   - Tracer: OpenTelemetry spans per flight pass and per step invocation,
//     exported over OTLP gRPC or to stdout
//   - Metrics: Prometheus collectors on a private registry covering flights,
//     steps, retries, undo failures, recovery passes and pool gauges
//   - EventPublisher: in-process flight events used to wake waiters and
//     feed audit subscribers
//
// Typical startup:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if srv := tel.Metrics.Server(nil); srv != nil {
//	    go srv.ListenAndServe()
//	}
//
// Waiting for a flight to finish:
//
//	done := make(chan struct{}, 1)
//	cancel := tel.Events.Subscribe(func(telemetry.Event) {
//	    select {
//	    case done <- struct{}{}:
//	    default:
//	    }
//	}, telemetry.And(
//	    telemetry.FilterByType(telemetry.EventTypeFlightCompleted),
//	    telemetry.FilterByFlightID(id),
//	))
//	defer cancel()
//
// Every Metrics method is safe on a disabled instance, and Nop returns
// telemetry suitable for tests.
package telemetry
