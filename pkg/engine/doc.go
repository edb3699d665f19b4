// Package engine executes flights.
//
// # Overview
//
// A flight is an ordered list of steps, each with a do and an undo action.
// The Runner advances one flight at a time against the state store and
// checkpoints after every step invocation, so a flight can be resumed by any
// worker from its last recorded position:
//
//  1. Load the record and verify this worker owns it
//  2. Rebuild the definition from the flight class registry
//  3. Invoke the step at the current index in the current direction
//  4. Apply the result (advance, schedule a retry or turn around)
//  5. Checkpoint, then continue until the flight completes, waits or yields
//
// # Failure Handling
//
// A step returns one of three results:
//
//   - Success: the index moves forward while doing and backward while undoing
//   - Retry: the step's retry rule decides the backoff; the flight is WAITING
//     until then and no goroutine is held
//   - Fatal: while doing, the error becomes the flight's exception and the
//     undo sweep starts at the failed step; while undoing, the error is
//     recorded as suppressed and the sweep continues
//
// Panics are recovered and treated as fatal. A flight whose class is unknown
// or whose position is corrupt is parked in ERROR without invoking any step.
//
// # Pool
//
// The Pool runs flights on a bounded set of workers:
//
//	runner, _ := engine.NewRunner(store, registry, engine.RunnerConfig{WorkerID: id})
//	pool := engine.NewPool(runner, store, engine.PoolConfig{Workers: 8, WorkerID: id})
//	pool.Start()
//	_ = pool.Submit(flightID)
//
//	// later
//	graceful := pool.Shutdown(ctx)
//
// Shutdown stops new work, lets running flights reach a step boundary and,
// when its context expires, cancels the rest and marks them READY. Flights
// are never failed because the process is stopping.
package engine
