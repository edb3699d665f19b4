package stores

import (
	"context"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

// LockMode is the sharing mode of a resource lock.
type LockMode string

const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// Validate checks that the mode is known.
func (m LockMode) Validate() error {
	switch m {
	case LockShared, LockExclusive:
		return nil
	default:
		return flight.NewFatalError("invalid lock mode: "+string(m), nil)
	}
}

// Lock is an advisory lock on an external resource held by one or more flights.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Mode       LockMode  `json:"mode"`
	Holders    []string  `json:"holders"`
	RefCount   int       `json:"ref_count"`
	Version    int64     `json:"version"`
	AcquiredAt time.Time `json:"acquired_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LogEntry is one row of the append-only flight log.
type LogEntry struct {
	ID           int64             `json:"id"`
	FlightID     string            `json:"flight_id"`
	LoggedAt     time.Time         `json:"logged_at"`
	StepIndex    int               `json:"step_index"`
	StepName     string            `json:"step_name"`
	Direction    flight.Direction  `json:"direction"`
	StepStatus   flight.StepStatus `json:"step_status"`
	FlightStatus flight.Status     `json:"flight_status"`
	Worker       string            `json:"worker"`
	Working      string            `json:"working,omitempty"` // JSON blob
	Error        *string           `json:"error,omitempty"`
}

// Worker is a registered engine process.
type Worker struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// ListFilter selects flights for enumeration.
type ListFilter struct {
	// SubjectID restricts results to one principal's flights when set.
	SubjectID *string
	Class     string
	IDs       []string
	Statuses  []flight.Status
	// Descending sorts newest first.
	Descending bool
	Offset     int
	Limit      int
}

// Store is the State Store: the single source of truth for flights,
// their step history, resource locks and worker registrations.
type Store interface {
	// Lifecycle operations
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Flight operations
	CreateFlight(ctx context.Context, rec *flight.Record) error
	GetFlight(ctx context.Context, id string) (*flight.Record, error)
	Checkpoint(ctx context.Context, rec *flight.Record) error
	Complete(ctx context.Context, rec *flight.Record) error
	UpdateStatus(ctx context.Context, id, owner string, status flight.Status) (bool, error)
	Handoff(ctx context.Context, id, owner string) (bool, error)
	DeleteFlight(ctx context.Context, id string) error
	ListFlights(ctx context.Context, filter ListFilter) ([]*flight.Record, error)
	CountFlights(ctx context.Context, filter ListFilter) (int, error)

	// Ownership operations
	ListOwners(ctx context.Context) ([]string, error)
	ListOwnedFlights(ctx context.Context, owner string) ([]string, error)
	ClaimFlight(ctx context.Context, id, fromOwner, toOwner string) (bool, error)
	ClaimFlights(ctx context.Context, fromOwner, toOwner string) ([]string, error)

	// Flight log operations
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLog(ctx context.Context, flightID string) ([]*LogEntry, error)

	// Resource lock operations
	AcquireLock(ctx context.Context, resourceID, flightID string, mode LockMode) error
	ReleaseLock(ctx context.Context, resourceID, flightID string) (bool, error)
	GetLock(ctx context.Context, resourceID string) (*Lock, error)
	ReleaseLocksHeldBy(ctx context.Context, flightID string) (int, error)

	// Worker operations
	RegisterWorker(ctx context.Context, w *Worker) error
	Heartbeat(ctx context.Context, id string) error
	DeregisterWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context, aliveSince time.Time) ([]*Worker, error)
}
