package stores

import (
	"context"
	"fmt"
	"time"
)

// RegisterWorker records a worker as alive, replacing any previous registration.
func (s *SQLStore) RegisterWorker(ctx context.Context, w *Worker) error {
	now := time.Now().UTC()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	w.HeartbeatAt = now
	query := `
		INSERT INTO workers (id, host, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			host = excluded.host,
			started_at = excluded.started_at,
			heartbeat_at = excluded.heartbeat_at
	`
	if _, err := s.exec(ctx, s.db, query, w.ID, w.Host, w.StartedAt.UTC(), w.HeartbeatAt); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
func (s *SQLStore) Heartbeat(ctx context.Context, id string) error {
	result, err := s.exec(ctx, s.db, `UPDATE workers SET heartbeat_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("worker not registered: %s", id)
	}
	return nil
}

// DeregisterWorker removes a worker registration.
func (s *SQLStore) DeregisterWorker(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.db, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// ListWorkers returns workers whose last heartbeat is not before aliveSince.
func (s *SQLStore) ListWorkers(ctx context.Context, aliveSince time.Time) ([]*Worker, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, host, started_at, heartbeat_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		if err := rows.Scan(&w.ID, &w.Host, &w.StartedAt, &w.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		// compared in Go: sqlite keeps timestamps as text
		if w.HeartbeatAt.Before(aliveSince) {
			continue
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
