// Package jobs is the caller-facing side of the engine.
//
// A job is a flight seen from outside: callers submit a class and inputs,
// receive an id, and later read the status or result. Status is coarse
// (RUNNING, SUCCEEDED, FAILED) and visible to anyone holding the id;
// results, listings and release are subject to the job policy.
//
// Usage:
//
//	svc, err := jobs.NewService(store, pool, authz, jobs.Config{
//	    WorkerID: identity.ID,
//	    Registry: registry,
//	})
//	if err != nil {
//	    return err
//	}
//
//	res, err := svc.SubmitAndWait(ctx, principal, "ingest", "nightly import", inputs)
//	if err != nil {
//	    return err // the decoded step error for a failed job
//	}
//	var out IngestResponse
//	_ = res.Decode(&out)
//
// Shutdown(timeout) drains the service. Stoppers run first; the engine then
// gets three quarters of the remaining budget before in-flight flights are
// interrupted and left READY for another worker.
package jobs
