package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/retry"
)

// ErrLockNotFound is returned by GetLock when no flight holds the resource.
var ErrLockNotFound = errors.New("lock not found")

// errVersionMoved signals a lost compare-and-swap; the caller re-reads and retries.
var errVersionMoved = errors.New("lock version moved")

// casRetry bounds in-process retries of lost lock compare-and-swaps.
var casRetry = retry.Exponential{Base: 5 * time.Millisecond, Cap: 100 * time.Millisecond, MaxRetries: 10, Jitter: 0.5}

// AcquireLock takes a lock on resourceID for flightID. Reacquiring a lock the
// flight already holds is a no-op. A conflicting holder yields a transient
// error with code LOCK_CONFLICT so that the acquiring step retries.
func (s *SQLStore) AcquireLock(ctx context.Context, resourceID, flightID string, mode LockMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	if resourceID == "" || flightID == "" {
		return fmt.Errorf("resource id and flight id are required")
	}
	err := retry.Do(ctx, casRetry, func() error {
		return s.tryAcquire(ctx, resourceID, flightID, mode)
	})
	if errors.Is(err, errVersionMoved) {
		return flight.NewTransientError(fmt.Sprintf("contention on resource %s", resourceID), err).
			WithCode(flight.ErrCodeLockConflict)
	}
	return err
}

func (s *SQLStore) tryAcquire(ctx context.Context, resourceID, flightID string, mode LockMode) error {
	lock, err := s.GetLock(ctx, resourceID)
	if errors.Is(err, ErrLockNotFound) {
		return s.insertLock(ctx, resourceID, flightID, mode)
	}
	if err != nil {
		return retry.Stop(err)
	}

	held := contains(lock.Holders, flightID)
	switch {
	case lock.Mode == LockExclusive && held:
		return nil
	case lock.Mode == LockExclusive:
		return retry.Stop(lockConflict(resourceID, lock))
	case mode == LockShared && held:
		return nil
	case mode == LockShared:
		return s.casLock(ctx, lock, LockShared, append(lock.Holders, flightID))
	case held && len(lock.Holders) == 1:
		// sole shared holder upgrades to exclusive
		return s.casLock(ctx, lock, LockExclusive, lock.Holders)
	default:
		return retry.Stop(lockConflict(resourceID, lock))
	}
}

func lockConflict(resourceID string, lock *Lock) error {
	return flight.NewTransientError(fmt.Sprintf("resource %s already held", resourceID), nil).
		WithCode(flight.ErrCodeLockConflict).
		WithDetail("mode", string(lock.Mode)).
		WithDetail("holders", lock.Holders)
}

func (s *SQLStore) insertLock(ctx context.Context, resourceID, flightID string, mode LockMode) error {
	holders, err := json.Marshal([]string{flightID})
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to encode lock holders: %w", err))
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO resource_locks (resource_id, mode, holders, ref_count, version, acquired_at, updated_at)
		VALUES (?, ?, ?, 1, 1, ?, ?)
		ON CONFLICT (resource_id) DO NOTHING
	`
	result, err := s.exec(ctx, s.db, query, resourceID, string(mode), string(holders), now, now)
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to insert lock: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return retry.Stop(err)
	}
	if !ok {
		return errVersionMoved
	}
	return nil
}

// casLock rewrites a lock row if its version is unchanged, deleting it when
// no holders remain.
func (s *SQLStore) casLock(ctx context.Context, lock *Lock, mode LockMode, holders []string) error {
	var (
		result sql.Result
		err    error
	)
	if len(holders) == 0 {
		result, err = s.exec(ctx, s.db,
			`DELETE FROM resource_locks WHERE resource_id = ? AND version = ?`,
			lock.ResourceID, lock.Version)
	} else {
		encoded, encErr := json.Marshal(holders)
		if encErr != nil {
			return retry.Stop(fmt.Errorf("failed to encode lock holders: %w", encErr))
		}
		result, err = s.exec(ctx, s.db, `
			UPDATE resource_locks
			SET mode = ?, holders = ?, ref_count = ?, version = version + 1, updated_at = ?
			WHERE resource_id = ? AND version = ?
		`, string(mode), string(encoded), len(holders), time.Now().UTC(), lock.ResourceID, lock.Version)
	}
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to update lock: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return retry.Stop(err)
	}
	if !ok {
		return errVersionMoved
	}
	return nil
}

// ReleaseLock drops flightID's hold on resourceID and reports whether it
// held one. Releasing a lock that is not held is a no-op.
func (s *SQLStore) ReleaseLock(ctx context.Context, resourceID, flightID string) (bool, error) {
	var released bool
	err := retry.Do(ctx, casRetry, func() error {
		released = false
		lock, err := s.GetLock(ctx, resourceID)
		if errors.Is(err, ErrLockNotFound) {
			return nil
		}
		if err != nil {
			return retry.Stop(err)
		}
		if !contains(lock.Holders, flightID) {
			return nil
		}
		remaining := make([]string, 0, len(lock.Holders)-1)
		for _, h := range lock.Holders {
			if h != flightID {
				remaining = append(remaining, h)
			}
		}
		if err := s.casLock(ctx, lock, lock.Mode, remaining); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// GetLock returns the current lock on resourceID.
func (s *SQLStore) GetLock(ctx context.Context, resourceID string) (*Lock, error) {
	query := `
		SELECT resource_id, mode, holders, ref_count, version, acquired_at, updated_at
		FROM resource_locks
		WHERE resource_id = ?
	`
	var (
		lock    Lock
		mode    string
		holders string
	)
	err := s.queryRow(ctx, s.db, query, resourceID).Scan(
		&lock.ResourceID,
		&mode,
		&holders,
		&lock.RefCount,
		&lock.Version,
		&lock.AcquiredAt,
		&lock.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	lock.Mode = LockMode(mode)
	if err := json.Unmarshal([]byte(holders), &lock.Holders); err != nil {
		return nil, fmt.Errorf("failed to decode lock holders: %w", err)
	}
	return &lock, nil
}

// ReleaseLocksHeldBy releases every lock held by flightID and returns how many were released.
func (s *SQLStore) ReleaseLocksHeldBy(ctx context.Context, flightID string) (int, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT resource_id, holders FROM resource_locks WHERE holders LIKE ?`,
		`%"`+flightID+`"%`)
	if err != nil {
		return 0, fmt.Errorf("failed to list locks: %w", err)
	}
	var resources []string
	for rows.Next() {
		var (
			resourceID string
			encoded    string
			holders    []string
		)
		if err := rows.Scan(&resourceID, &encoded); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan lock: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &holders); err == nil && contains(holders, flightID) {
			resources = append(resources, resourceID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate locks: %w", err)
	}
	rows.Close()

	released := 0
	for _, resourceID := range resources {
		ok, err := s.ReleaseLock(ctx, resourceID, flightID)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
