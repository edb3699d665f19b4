package membership

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/flightdeck/pkg/stores"
)

func TestStaticMembership(t *testing.T) {
	m := NewStatic("a", "b")
	var calls int32
	unsubscribe := m.Subscribe(func() { atomic.AddInt32(&calls, 1) })

	live, err := m.LiveWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, Names(live))

	// the returned set is a copy
	delete(live, "a")
	live, _ = m.LiveWorkers(context.Background())
	assert.Len(t, live, 2)

	m.Set("b")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	unsubscribe()
	m.Set("c")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "worker-id")

	first, err := LoadIdentity(path, "")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Empty(t, first.Previous)

	second, err := LoadIdentity(path, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, second.Previous)

	// a fixed identity is not its own previous identity
	fixed, err := LoadIdentity(path, "pod-7")
	require.NoError(t, err)
	assert.Equal(t, second.ID, fixed.Previous)
	again, err := LoadIdentity(path, "pod-7")
	require.NoError(t, err)
	assert.Empty(t, again.Previous)

	noFile, err := LoadIdentity("", "pod-8")
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "pod-8"}, noFile)
}

func TestDirectoryMembership(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := NewDirectory(DirectoryConfig{Dir: dir, WorkerID: "a", Interval: 50 * time.Millisecond, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	changes := make(chan struct{}, 16)
	a.Subscribe(func() { changes <- struct{}{} })

	b, err := NewDirectory(DirectoryConfig{Dir: dir, WorkerID: "b", Interval: 50 * time.Millisecond, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after join")
	}
	live, err := a.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, Names(live))

	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool {
		live, err := a.LiveWorkers(ctx)
		return err == nil && len(live) == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after leave")
	}
}

func TestDirectoryIgnoresExpiredHeartbeats(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "crashed.worker")
	require.NoError(t, os.WriteFile(stale, []byte("host\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	d, err := NewDirectory(DirectoryConfig{Dir: dir, WorkerID: "a", Interval: time.Second})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	live, err := d.LiveWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, Names(live))
}

func TestStoreMembership(t *testing.T) {
	store, err := stores.NewSQLStore(stores.Config{DSN: filepath.Join(t.TempDir(), "members.db")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	defer store.Close()

	a, err := NewStore(store, StoreConfig{WorkerID: "a", Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	changes := make(chan struct{}, 16)
	a.Subscribe(func() { changes <- struct{}{} })

	require.NoError(t, store.RegisterWorker(ctx, &stores.Worker{ID: "b", Host: "other"}))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after join")
	}

	live, err := a.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, Names(live))

	// b stops heartbeating and expires
	require.Eventually(t, func() bool {
		live, err := a.LiveWorkers(ctx)
		return err == nil && len(live) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	workers, err := store.ListWorkers(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "b", workers[0].ID)
}
