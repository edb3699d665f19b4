package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

const flightColumns = `id, class, description, subject_id, subject_email, inputs, working, status,
	step_index, direction, attempt, first_attempt_at, next_run_at, submitted_at, updated_at,
	completed_at, result, owner, exception, suppressed`

// CreateFlight inserts a new flight record.
func (s *SQLStore) CreateFlight(ctx context.Context, rec *flight.Record) error {
	if rec.ID == "" || rec.Class == "" {
		return fmt.Errorf("flight id and class are required")
	}
	if rec.Direction == "" {
		rec.Direction = flight.DirectionDoing
	}
	if rec.Status == "" {
		rec.Status = flight.StatusReady
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.SubmittedAt

	cols, err := encodeFlight(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flights (` + flightColumns + `)
		VALUES (` + placeholders(20) + `)
	`
	_, err = s.exec(ctx, s.db, query,
		rec.ID,
		rec.Class,
		rec.Description,
		rec.SubjectID,
		rec.SubjectEmail,
		cols.inputs,
		cols.working,
		string(rec.Status),
		rec.StepIndex,
		string(rec.Direction),
		rec.Attempt,
		nullTime(rec.FirstAttemptAt),
		nullTime(rec.NextRunAt),
		rec.SubmittedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTime(rec.CompletedAt),
		cols.result,
		rec.Owner,
		cols.exception,
		cols.suppressed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return flight.NewConflictError(fmt.Sprintf("flight %s already exists", rec.ID), err)
		}
		return fmt.Errorf("failed to create flight: %w", err)
	}
	return nil
}

// GetFlight retrieves a flight by ID
func (s *SQLStore) GetFlight(ctx context.Context, id string) (*flight.Record, error) {
	query := `SELECT ` + flightColumns + ` FROM flights WHERE id = ?`
	rec, err := scanFlight(s.queryRow(ctx, s.db, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flight.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flight: %w", err)
	}
	return rec, nil
}

// Checkpoint persists the mutable state of a running flight. The update only
// applies while rec.Owner still owns the flight and it has not completed.
func (s *SQLStore) Checkpoint(ctx context.Context, rec *flight.Record) error {
	cols, err := encodeFlight(rec)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE flights
		SET working = ?, status = ?, step_index = ?, direction = ?, attempt = ?,
			first_attempt_at = ?, next_run_at = ?, exception = ?, suppressed = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND completed_at IS NULL
	`
	result, err := s.exec(ctx, s.db, query,
		cols.working,
		string(rec.Status),
		rec.StepIndex,
		string(rec.Direction),
		rec.Attempt,
		nullTime(rec.FirstAttemptAt),
		nullTime(rec.NextRunAt),
		cols.exception,
		cols.suppressed,
		rec.UpdatedAt,
		rec.ID,
		rec.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to checkpoint flight: %w", err)
	}
	return s.requireOwned(result, rec.ID)
}

// Complete records the terminal state of a flight.
func (s *SQLStore) Complete(ctx context.Context, rec *flight.Record) error {
	if rec.CompletedAt == nil {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	cols, err := encodeFlight(rec)
	if err != nil {
		return err
	}
	rec.UpdatedAt = rec.CompletedAt.UTC()

	query := `
		UPDATE flights
		SET working = ?, status = ?, step_index = ?, direction = ?, attempt = ?,
			first_attempt_at = NULL, next_run_at = NULL, exception = ?, suppressed = ?,
			result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND completed_at IS NULL
	`
	result, err := s.exec(ctx, s.db, query,
		cols.working,
		string(rec.Status),
		rec.StepIndex,
		string(rec.Direction),
		rec.Attempt,
		cols.exception,
		cols.suppressed,
		cols.result,
		rec.CompletedAt.UTC(),
		rec.UpdatedAt,
		rec.ID,
		rec.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to complete flight: %w", err)
	}
	return s.requireOwned(result, rec.ID)
}

func (s *SQLStore) requireOwned(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		e := *flight.ErrOwnershipLost
		return e.WithFlight(id)
	}
	return nil
}

// UpdateStatus sets the status of a non-terminal flight owned by owner.
func (s *SQLStore) UpdateStatus(ctx context.Context, id, owner string, status flight.Status) (bool, error) {
	if err := status.Validate(); err != nil {
		return false, err
	}
	if status.IsTerminal() {
		return false, fmt.Errorf("terminal status %s requires Complete", status)
	}
	query := `
		UPDATE flights SET status = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND completed_at IS NULL
	`
	result, err := s.exec(ctx, s.db, query, string(status), time.Now().UTC(), id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to update flight status: %w", err)
	}
	return affected(result)
}

// Handoff gives up ownership of a flight, leaving it QUEUED for any worker.
func (s *SQLStore) Handoff(ctx context.Context, id, owner string) (bool, error) {
	query := `
		UPDATE flights SET owner = '', status = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND completed_at IS NULL
	`
	result, err := s.exec(ctx, s.db, query, string(flight.StatusQueued), time.Now().UTC(), id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to hand off flight: %w", err)
	}
	return affected(result)
}

// DeleteFlight removes a completed or parked flight and its log.
func (s *SQLStore) DeleteFlight(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status    string
		completed sql.NullTime
	)
	err = s.queryRow(ctx, tx, `SELECT status, completed_at FROM flights WHERE id = ?`, id).Scan(&status, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return flight.NewNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("failed to get flight: %w", err)
	}
	if !completed.Valid && flight.Status(status) != flight.StatusError {
		return flight.NewConflictError(fmt.Sprintf("flight %s is %s and cannot be deleted", id, status), nil).
			WithFlight(id)
	}

	if _, err := s.exec(ctx, tx, `DELETE FROM flight_log WHERE flight_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete flight log: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM flights WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete flight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *SQLStore) whereClause(filter ListFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.SubjectID != nil {
		conds = append(conds, "subject_id = ?")
		args = append(args, *filter.SubjectID)
	}
	if filter.Class != "" {
		conds = append(conds, "class = ?")
		args = append(args, filter.Class)
	}
	if len(filter.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListFlights lists flights matching filter ordered by submission time.
func (s *SQLStore) ListFlights(ctx context.Context, filter ListFilter) ([]*flight.Record, error) {
	where, args := s.whereClause(filter)
	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + flightColumns + ` FROM flights` + where +
		` ORDER BY submitted_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	defer rows.Close()

	var out []*flight.Record
	for rows.Next() {
		rec, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flights: %w", err)
	}
	return out, nil
}

// CountFlights counts flights matching filter, ignoring paging.
func (s *SQLStore) CountFlights(ctx context.Context, filter ListFilter) (int, error) {
	where, args := s.whereClause(filter)
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM flights`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count flights: %w", err)
	}
	return n, nil
}

func recoverableArgs() (string, []interface{}) {
	statuses := flight.RecoverableStatuses()
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return placeholders(len(statuses)), args
}

// ListOwners returns the distinct owners of unfinished recoverable flights.
// Unowned QUEUED flights are reported under the empty owner.
func (s *SQLStore) ListOwners(ctx context.Context) ([]string, error) {
	ph, args := recoverableArgs()
	query := `SELECT DISTINCT owner FROM flights WHERE completed_at IS NULL AND status IN (` + ph + `)`
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// ListOwnedFlights returns the ids of unfinished recoverable flights held by owner.
func (s *SQLStore) ListOwnedFlights(ctx context.Context, owner string) ([]string, error) {
	ph, args := recoverableArgs()
	query := `SELECT id FROM flights WHERE owner = ? AND completed_at IS NULL AND status IN (` + ph + `)
		ORDER BY submitted_at ASC`
	rows, err := s.query(ctx, s.db, query, append([]interface{}{owner}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned flights: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan flight id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimFlight moves ownership of one flight from fromOwner to toOwner in a
// single conditional update. It reports false when another worker got there
// first. Interrupted (RUNNING) and QUEUED flights become READY.
func (s *SQLStore) ClaimFlight(ctx context.Context, id, fromOwner, toOwner string) (bool, error) {
	ph, args := recoverableArgs()
	query := `
		UPDATE flights
		SET owner = ?,
			status = CASE WHEN status IN (?, ?) THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ? AND owner = ? AND completed_at IS NULL AND status IN (` + ph + `)
	`
	params := []interface{}{
		toOwner,
		string(flight.StatusRunning), string(flight.StatusQueued), string(flight.StatusReady),
		time.Now().UTC(),
		id, fromOwner,
	}
	result, err := s.exec(ctx, s.db, query, append(params, args...)...)
	if err != nil {
		return false, fmt.Errorf("failed to claim flight: %w", err)
	}
	return affected(result)
}

// ClaimFlights claims every recoverable flight of fromOwner and returns the
// ids this call won.
func (s *SQLStore) ClaimFlights(ctx context.Context, fromOwner, toOwner string) ([]string, error) {
	ids, err := s.ListOwnedFlights(ctx, fromOwner)
	if err != nil {
		return nil, err
	}
	var claimed []string
	for _, id := range ids {
		ok, err := s.ClaimFlight(ctx, id, fromOwner, toOwner)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

type encodedFlight struct {
	inputs     string
	working    string
	result     interface{}
	exception  interface{}
	suppressed interface{}
}

func encodeFlight(rec *flight.Record) (*encodedFlight, error) {
	out := &encodedFlight{}

	inputs := rec.Inputs
	if inputs == nil {
		inputs = flight.NewParameters()
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs: %w", err)
	}
	out.inputs = string(b)

	working := rec.Working
	if working == nil {
		working = flight.NewParameters()
	}
	if b, err = json.Marshal(working); err != nil {
		return nil, fmt.Errorf("failed to encode working state: %w", err)
	}
	out.working = string(b)

	if rec.Result != nil {
		if b, err = json.Marshal(rec.Result); err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		out.result = string(b)
	}
	if rec.Exception != nil {
		if b, err = json.Marshal(rec.Exception); err != nil {
			return nil, fmt.Errorf("failed to encode exception: %w", err)
		}
		out.exception = string(b)
	}
	if len(rec.Suppressed) > 0 {
		if b, err = json.Marshal(rec.Suppressed); err != nil {
			return nil, fmt.Errorf("failed to encode suppressed errors: %w", err)
		}
		out.suppressed = string(b)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlight(row rowScanner) (*flight.Record, error) {
	var (
		rec                                flight.Record
		inputs, working, status, direction string
		firstAttempt, nextRun, completed   sql.NullTime
		result, exception, suppressed      sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Class,
		&rec.Description,
		&rec.SubjectID,
		&rec.SubjectEmail,
		&inputs,
		&working,
		&status,
		&rec.StepIndex,
		&direction,
		&rec.Attempt,
		&firstAttempt,
		&nextRun,
		&rec.SubmittedAt,
		&rec.UpdatedAt,
		&completed,
		&result,
		&rec.Owner,
		&exception,
		&suppressed,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = flight.Status(status)
	rec.Direction = flight.Direction(direction)
	rec.FirstAttemptAt = timePtr(firstAttempt)
	rec.NextRunAt = timePtr(nextRun)
	rec.CompletedAt = timePtr(completed)
	rec.SubmittedAt = rec.SubmittedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	rec.Inputs = flight.NewParameters()
	if err := json.Unmarshal([]byte(inputs), rec.Inputs); err != nil {
		return nil, flight.NewInternalError("corrupt flight inputs", err).WithFlight(rec.ID)
	}
	rec.Working = flight.NewParameters()
	if err := json.Unmarshal([]byte(working), rec.Working); err != nil {
		return nil, flight.NewInternalError("corrupt flight working state", err).WithFlight(rec.ID)
	}
	if result.Valid {
		rec.Result = &flight.ResultSummary{}
		if err := json.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, flight.NewInternalError("corrupt flight result", err).WithFlight(rec.ID)
		}
	}
	if exception.Valid {
		rec.Exception = &flight.Exception{}
		if err := json.Unmarshal([]byte(exception.String), rec.Exception); err != nil {
			return nil, flight.NewInternalError("corrupt flight exception", err).WithFlight(rec.ID)
		}
	}
	if suppressed.Valid {
		if err := json.Unmarshal([]byte(suppressed.String), &rec.Suppressed); err != nil {
			return nil, flight.NewInternalError("corrupt suppressed errors", err).WithFlight(rec.ID)
		}
	}
	return &rec, nil
}

// isUniqueViolation matches primary key violations from both drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
