package engine

import (
	"context"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/stores"
)

// FlightStore is the subset of the State Store the runner needs.
type FlightStore interface {
	GetFlight(ctx context.Context, id string) (*flight.Record, error)
	Checkpoint(ctx context.Context, rec *flight.Record) error
	Complete(ctx context.Context, rec *flight.Record) error
	UpdateStatus(ctx context.Context, id, owner string, status flight.Status) (bool, error)
	AppendLog(ctx context.Context, entry *stores.LogEntry) error
}

// Executor advances one flight until it completes, blocks on a retry
// backoff or yields. The Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, flightID string, quiesce <-chan struct{}) (Outcome, error)
}

// Outcome describes where a flight stopped after one runner pass.
type Outcome struct {
	// Status is the persisted status when the runner returned.
	Status flight.Status

	// RetryAfter is set for WAITING flights: the delay before the next attempt.
	RetryAfter time.Duration

	// Interrupted reports that the flight yielded because of cancellation
	// or quiesce rather than by its own progress.
	Interrupted bool
}

// Done reports whether the flight reached a terminal status.
func (o Outcome) Done() bool {
	return o.Status.IsTerminal()
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Waiting   int   `json:"waiting"`
	Completed int64 `json:"completed"`
	Errors    int64 `json:"errors"`
}
