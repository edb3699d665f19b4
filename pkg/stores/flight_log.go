package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

// AppendLog appends one step transition to the flight log.
func (s *SQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO flight_log (flight_id, logged_at, step_index, step_name, direction,
			step_status, flight_status, worker, working, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.exec(ctx, s.db, query,
		entry.FlightID,
		entry.LoggedAt.UTC(),
		entry.StepIndex,
		entry.StepName,
		string(entry.Direction),
		string(entry.StepStatus),
		string(entry.FlightStatus),
		entry.Worker,
		entry.Working,
		nullString(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to append flight log: %w", err)
	}
	return nil
}

// ListLog returns the log of a flight in append order.
func (s *SQLStore) ListLog(ctx context.Context, flightID string) ([]*LogEntry, error) {
	query := `
		SELECT id, flight_id, logged_at, step_index, step_name, direction, step_status,
			flight_status, worker, working, error
		FROM flight_log
		WHERE flight_id = ?
		ORDER BY id ASC
	`
	rows, err := s.query(ctx, s.db, query, flightID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flight log: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var (
			e                                   LogEntry
			direction, stepStatus, flightStatus string
			errText                             sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.FlightID,
			&e.LoggedAt,
			&e.StepIndex,
			&e.StepName,
			&direction,
			&stepStatus,
			&flightStatus,
			&e.Worker,
			&e.Working,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flight log: %w", err)
		}
		e.Direction = flight.Direction(direction)
		e.StepStatus = flight.StepStatus(stepStatus)
		e.FlightStatus = flight.Status(flightStatus)
		e.Error = stringPtr(errText)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
