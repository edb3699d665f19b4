package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLStore(Config{
		DSN: filepath.Join(t.TempDir(), "flights.db"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupPostgresStore connects to FLIGHTDECK_TEST_POSTGRES_DSN or skips.
func setupPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("FLIGHTDECK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLIGHTDECK_TEST_POSTGRES_DSN not set")
	}
	store, err := NewSQLStore(Config{Driver: DriverPostgres, DSN: dsn})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRecord(t *testing.T, id, owner, subject string) *flight.Record {
	t.Helper()
	inputs, err := flight.ParametersFromMap(map[string]interface{}{"source": "gs://bucket/a"})
	require.NoError(t, err)
	return &flight.Record{
		ID:        id,
		Class:     "ingest",
		SubjectID: subject,
		Inputs:    inputs,
		Working:   flight.NewParameters(),
		Status:    flight.StatusReady,
		Direction: flight.DirectionDoing,
		Owner:     owner,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLStore(Config{DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")
	require.NoError(t, store.Close())
}

func TestNewSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLStore(Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
	_, err = NewSQLStore(Config{})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", s.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))
	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestFlightCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "f1", "worker-a", "alice")
	require.NoError(t, store.CreateFlight(ctx, rec))

	err := store.CreateFlight(ctx, newRecord(t, "f1", "worker-a", "alice"))
	require.Error(t, err)
	assert.True(t, flight.IsConflict(err))

	got, err := store.GetFlight(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "ingest", got.Class)
	assert.Equal(t, flight.StatusReady, got.Status)
	assert.Equal(t, "gs://bucket/a", got.Inputs.GetString("source"))
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.IsTerminal())

	_, err = store.GetFlight(ctx, "missing")
	assert.True(t, flight.IsNotFound(err))
}

func TestCheckpointRequiresOwnership(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "f1", "worker-a", "alice")
	require.NoError(t, store.CreateFlight(ctx, rec))

	require.NoError(t, rec.Working.Put("copied", 10))
	rec.Status = flight.StatusRunning
	rec.StepIndex = 1
	require.NoError(t, store.Checkpoint(ctx, rec))

	got, err := store.GetFlight(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepIndex)
	assert.Equal(t, flight.StatusRunning, got.Status)
	assert.True(t, got.Working.Contains("copied"))

	stale := *rec
	stale.Owner = "worker-b"
	err = store.Checkpoint(ctx, &stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, flight.ErrOwnershipLost)
}

func TestCompleteIsFinal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "f1", "worker-a", "alice")
	require.NoError(t, store.CreateFlight(ctx, rec))

	rec.Status = flight.StatusFatal
	rec.Exception = flight.NewException(errors.New("copy failed"), "CopyBytes", 1, flight.DirectionDoing, time.Now())
	rec.Suppressed = []*flight.Exception{
		flight.NewException(errors.New("cleanup failed"), "CreateRecord", 0, flight.DirectionUndoing, time.Now()),
	}
	rec.Result = &flight.ResultSummary{StatusCode: 500}
	require.NoError(t, store.Complete(ctx, rec))

	got, err := store.GetFlight(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, flight.StatusFatal, got.Status)
	require.NotNil(t, got.Exception)
	assert.Equal(t, "copy failed", got.Exception.Message)
	require.Len(t, got.Suppressed, 1)
	assert.Equal(t, "CreateRecord", got.Suppressed[0].Step)
	assert.Equal(t, 500, got.Result.StatusCode)

	rec.Status = flight.StatusSuccess
	assert.Error(t, store.Checkpoint(ctx, rec), "terminal flights are immutable")
	assert.Error(t, store.Complete(ctx, rec))
}

func TestDeleteFlight(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, "f1", "worker-a", "alice")
	require.NoError(t, store.CreateFlight(ctx, rec))
	require.NoError(t, store.AppendLog(ctx, &LogEntry{
		FlightID: "f1", StepName: "CreateRecord", Direction: flight.DirectionDoing,
		StepStatus: flight.StepSuccess, FlightStatus: flight.StatusRunning, Worker: "worker-a",
	}))

	err := store.DeleteFlight(ctx, "f1")
	require.Error(t, err)
	assert.True(t, flight.IsConflict(err), "running flights cannot be deleted")

	rec.Status = flight.StatusSuccess
	require.NoError(t, store.Complete(ctx, rec))
	require.NoError(t, store.DeleteFlight(ctx, "f1"))

	_, err = store.GetFlight(ctx, "f1")
	assert.True(t, flight.IsNotFound(err))
	entries, err := store.ListLog(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.True(t, flight.IsNotFound(store.DeleteFlight(ctx, "f1")))
}

func TestListFlightsFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, spec := range []struct{ id, subject, class string }{
		{"a", "alice", "ingest"},
		{"b", "bob", "ingest"},
		{"c", "alice", "delete"},
		{"d", "alice", "ingest"},
	} {
		rec := newRecord(t, spec.id, "w", spec.subject)
		rec.Class = spec.class
		rec.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateFlight(ctx, rec))
	}

	alice := "alice"
	recs, err := store.ListFlights(ctx, ListFilter{SubjectID: &alice})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, ids(recs))

	recs, err = store.ListFlights(ctx, ListFilter{SubjectID: &alice, Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(recs))

	recs, err = store.ListFlights(ctx, ListFilter{Class: "ingest", Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, ids(recs))

	recs, err = store.ListFlights(ctx, ListFilter{IDs: []string{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(recs))

	n, err := store.CountFlights(ctx, ListFilter{SubjectID: &alice, Class: "ingest"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func ids(recs []*flight.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestClaimFlights(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	running := newRecord(t, "running", "dead", "alice")
	running.Status = flight.StatusRunning
	require.NoError(t, store.CreateFlight(ctx, running))

	waiting := newRecord(t, "waiting", "dead", "alice")
	waiting.Status = flight.StatusWaiting
	require.NoError(t, store.CreateFlight(ctx, waiting))

	done := newRecord(t, "done", "dead", "alice")
	require.NoError(t, store.CreateFlight(ctx, done))
	done.Status = flight.StatusSuccess
	require.NoError(t, store.Complete(ctx, done))

	require.NoError(t, store.CreateFlight(ctx, newRecord(t, "other", "live", "bob")))

	owners, err := store.ListOwners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dead", "live"}, owners)

	claimed, err := store.ClaimFlights(ctx, "dead", "me")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"running", "waiting"}, claimed)

	got, err := store.GetFlight(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, "me", got.Owner)
	assert.Equal(t, flight.StatusReady, got.Status, "interrupted flights become READY")

	got, err = store.GetFlight(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, flight.StatusWaiting, got.Status)

	got, err = store.GetFlight(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "dead", got.Owner, "terminal flights are never claimed")

	ok, err := store.ClaimFlight(ctx, "running", "dead", "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimFlightRace(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateFlight(ctx, newRecord(t, "f1", "dead", "alice")))

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			me := string(rune('a' + i))
			ok, err := store.ClaimFlight(ctx, "f1", "dead", me)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, me)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := store.GetFlight(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.Owner)
}

func TestHandoffAndUpdateStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateFlight(ctx, newRecord(t, "f1", "me", "alice")))

	ok, err := store.UpdateStatus(ctx, "f1", "me", flight.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.UpdateStatus(ctx, "f1", "not-me", flight.StatusReady)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.UpdateStatus(ctx, "f1", "me", flight.StatusSuccess)
	assert.Error(t, err)

	ok, err = store.Handoff(ctx, "f1", "me")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetFlight(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "", got.Owner)
	assert.Equal(t, flight.StatusQueued, got.Status)

	owners, err := store.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, owners)
}

func TestFlightLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := "boom"
	for i, status := range []flight.StepStatus{flight.StepSuccess, flight.StepFailureFatal} {
		entry := &LogEntry{
			FlightID:     "f1",
			StepIndex:    i,
			StepName:     "step",
			Direction:    flight.DirectionDoing,
			StepStatus:   status,
			FlightStatus: flight.StatusRunning,
			Worker:       "w",
			Working:      `{}`,
		}
		if status == flight.StepFailureFatal {
			entry.Error = &msg
		}
		require.NoError(t, store.AppendLog(ctx, entry))
	}

	entries, err := store.ListLog(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, flight.StepSuccess, entries[0].StepStatus)
	assert.Nil(t, entries[0].Error)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, "boom", *entries[1].Error)
}

func TestExclusiveLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f1", LockExclusive))
	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f1", LockExclusive), "reacquire is idempotent")

	err := store.AcquireLock(ctx, "dataset-1", "f2", LockExclusive)
	require.Error(t, err)
	assert.True(t, flight.IsTransient(err))
	assert.Contains(t, err.Error(), "already held")

	err = store.AcquireLock(ctx, "dataset-1", "f2", LockShared)
	assert.Error(t, err)

	released, err := store.ReleaseLock(ctx, "dataset-1", "f2")
	require.NoError(t, err, "release by non-holder is a no-op")
	assert.False(t, released)
	released, err = store.ReleaseLock(ctx, "dataset-1", "f1")
	require.NoError(t, err)
	assert.True(t, released)
	released, err = store.ReleaseLock(ctx, "dataset-1", "f1")
	require.NoError(t, err)
	assert.False(t, released, "lock row is gone")
	_, err = store.GetLock(ctx, "dataset-1")
	assert.ErrorIs(t, err, ErrLockNotFound)

	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f2", LockExclusive))
}

func TestSharedLockRefCount(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f1", LockShared))
	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f2", LockShared))
	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f2", LockShared))

	lock, err := store.GetLock(ctx, "dataset-1")
	require.NoError(t, err)
	assert.Equal(t, 2, lock.RefCount)
	assert.ElementsMatch(t, []string{"f1", "f2"}, lock.Holders)

	assert.Error(t, store.AcquireLock(ctx, "dataset-1", "f3", LockExclusive))

	released, err := store.ReleaseLock(ctx, "dataset-1", "f1")
	require.NoError(t, err)
	assert.True(t, released)
	lock, err = store.GetLock(ctx, "dataset-1")
	require.NoError(t, err)
	assert.Equal(t, 1, lock.RefCount)

	require.NoError(t, store.AcquireLock(ctx, "dataset-1", "f2", LockExclusive), "sole holder upgrades")
	lock, err = store.GetLock(ctx, "dataset-1")
	require.NoError(t, err)
	assert.Equal(t, LockExclusive, lock.Mode)
}

func TestReleaseLocksHeldBy(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "r1", "f1", LockExclusive))
	require.NoError(t, store.AcquireLock(ctx, "r2", "f1", LockShared))
	require.NoError(t, store.AcquireLock(ctx, "r2", "f2", LockShared))
	require.NoError(t, store.AcquireLock(ctx, "r3", "f2", LockExclusive))

	n, err := store.ReleaseLocksHeldBy(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetLock(ctx, "r1")
	assert.ErrorIs(t, err, ErrLockNotFound)
	lock, err := store.GetLock(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"f2"}, lock.Holders)
}

func TestWorkers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterWorker(ctx, &Worker{ID: "w1", Host: "pod-1"}))
	require.NoError(t, store.RegisterWorker(ctx, &Worker{ID: "w2", Host: "pod-2"}))
	require.NoError(t, store.Heartbeat(ctx, "w1"))
	assert.Error(t, store.Heartbeat(ctx, "ghost"))

	workers, err := store.ListWorkers(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	workers, err = store.ListWorkers(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, workers)

	require.NoError(t, store.DeregisterWorker(ctx, "w2"))
	workers, err = store.ListWorkers(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
}

func TestPostgresRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	id := "pg-" + time.Now().Format("150405.000000000")
	require.NoError(t, store.CreateFlight(ctx, newRecord(t, id, "w", "alice")))
	ok, err := store.ClaimFlight(ctx, id, "w", "w2")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := store.GetFlight(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "w2", got.Owner)
}
