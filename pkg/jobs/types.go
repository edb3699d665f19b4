package jobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

// JobStatus is the caller-facing status of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// jobStatus maps a flight status onto a job status. Parked flights are
// reported as failed.
func jobStatus(s flight.Status) JobStatus {
	switch s {
	case flight.StatusSuccess:
		return JobSucceeded
	case flight.StatusFatal, flight.StatusError:
		return JobFailed
	default:
		return JobRunning
	}
}

// Job summarizes a flight for callers.
type Job struct {
	ID           string        `json:"id" yaml:"id"`
	Class        string        `json:"class" yaml:"class"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Status       JobStatus     `json:"job_status" yaml:"job_status"`
	FlightStatus flight.Status `json:"flight_status" yaml:"flight_status"`
	StatusCode   int           `json:"status_code" yaml:"status_code"`
	SubjectID    string        `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	SubmittedAt  time.Time     `json:"submitted" yaml:"submitted"`
	CompletedAt  *time.Time    `json:"completed,omitempty" yaml:"completed,omitempty"`
}

func jobFromRecord(rec *flight.Record) Job {
	job := Job{
		ID:           rec.ID,
		Class:        rec.Class,
		Description:  rec.Description,
		Status:       jobStatus(rec.Status),
		FlightStatus: rec.Status,
		StatusCode:   http.StatusAccepted,
		SubjectID:    rec.SubjectID,
		SubmittedAt:  rec.SubmittedAt,
		CompletedAt:  rec.CompletedAt,
	}
	if rec.IsTerminal() {
		job.StatusCode = http.StatusOK
		if rec.Result != nil && rec.Result.StatusCode != 0 {
			job.StatusCode = rec.Result.StatusCode
		}
	}
	return job
}

// Result is the outcome of a job. A running job has StatusCode 202 and no
// response.
type Result struct {
	JobID      string          `json:"job_id" yaml:"job_id"`
	StatusCode int             `json:"status_code" yaml:"status_code"`
	Response   json.RawMessage `json:"response,omitempty" yaml:"-"`
}

// Decode unmarshals the response into v.
func (r *Result) Decode(v interface{}) error {
	if len(r.Response) == 0 {
		return flight.NewInvalidResultError(r.JobID, "job has no response")
	}
	if err := json.Unmarshal(r.Response, v); err != nil {
		return fmt.Errorf("failed to decode job response: %w", err)
	}
	return nil
}

// SortDirection orders enumerations by submission time.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// EnumerateRequest selects a page of jobs.
type EnumerateRequest struct {
	Offset    int           `json:"offset" validate:"gte=0"`
	Limit     int           `json:"limit" validate:"gte=0,lte=1000"`
	Direction SortDirection `json:"direction,omitempty" validate:"omitempty,oneof=asc desc"`
	Class     string        `json:"class,omitempty"`
	IDs       []string      `json:"ids,omitempty" validate:"omitempty,dive,required"`
}

// Page is one page of an enumeration.
type Page struct {
	Jobs   []Job `json:"jobs" yaml:"jobs"`
	Total  int   `json:"total" yaml:"total"`
	Offset int   `json:"offset" yaml:"offset"`
	Limit  int   `json:"limit" yaml:"limit"`
}

// State is the lifecycle state of a Service.
type State int32

const (
	StateAccepting State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "ACCEPTING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
