package jobs

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/flightdeck/pkg/config"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

const testWorker = "worker-a"

var (
	alice = policy.Principal{SubjectID: "alice", Email: "alice@example.com"}
	bob   = policy.Principal{SubjectID: "bob"}
	root  = policy.Principal{SubjectID: "root"}
)

func testRegistry() *flight.Registry {
	registry := flight.NewRegistry()
	registry.MustRegister("greet", func(in flight.Inputs) (*flight.Definition, error) {
		return flight.NewDefinition("greet").
			AddStep("greet", flight.StepFunc{DoFunc: func(fc *flight.Context) flight.StepResult {
				name := fc.Inputs().GetString("name")
				if err := fc.SetResponse(map[string]string{"greeting": "hello " + name}); err != nil {
					return flight.Fatal(err)
				}
				if err := fc.SetStatusCode(http.StatusCreated); err != nil {
					return flight.Fatal(err)
				}
				return flight.Success()
			}}, nil), nil
	})
	registry.MustRegister("reject", func(flight.Inputs) (*flight.Definition, error) {
		return flight.NewDefinition("reject").
			AddStep("reject", flight.StepFunc{DoFunc: func(*flight.Context) flight.StepResult {
				return flight.Fatal(flight.NewFatalError("name is not allowed", nil).WithCode("NAME_REJECTED"))
			}}, nil), nil
	})
	return registry
}

type harness struct {
	svc   *Service
	store *stores.SQLStore
	pool  *engine.Pool
}

// newHarness wires a service to a SQLite store. The pool is only started
// when start is set, so submitted flights stay queued otherwise.
func newHarness(t *testing.T, start bool) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLStore(stores.Config{DSN: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	tel := telemetry.Nop()
	registry := testRegistry()
	runner, err := engine.NewRunner(store, registry, engine.RunnerConfig{WorkerID: testWorker, Telemetry: tel})
	require.NoError(t, err)
	pool := engine.NewPool(runner, store, engine.PoolConfig{Workers: 2, WorkerID: testWorker, Telemetry: tel})
	if start {
		pool.Start()
	}

	authz, err := policy.NewAuthorizer(ctx, policy.Config{Admins: []string{"root"}})
	require.NoError(t, err)

	svc, err := NewService(store, pool, authz, Config{
		WorkerID:           testWorker,
		Registry:           registry,
		MinShutdownTimeout: 100 * time.Millisecond,
		PollInitial:        5 * time.Millisecond,
		PollMax:            50 * time.Millisecond,
		Telemetry:          tel,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Shutdown(ctx)
		_ = store.Close()
	})
	return &harness{svc: svc, store: store, pool: pool}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndWaitReturnsResponse(t *testing.T) {
	h := newHarness(t, true)
	ctx := waitCtx(t)

	res, err := h.svc.SubmitAndWait(ctx, alice, "greet", "say hello", map[string]interface{}{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	var out map[string]string
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "hello world", out["greeting"])

	job, err := h.svc.RetrieveStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)
	assert.Equal(t, flight.StatusSuccess, job.FlightStatus)
	assert.Equal(t, "alice", job.SubjectID)
	assert.NotNil(t, job.CompletedAt)
}

func TestSubmitAndWaitReturnsStepError(t *testing.T) {
	h := newHarness(t, true)
	ctx := waitCtx(t)

	res, err := h.svc.SubmitAndWait(ctx, alice, "reject", "", nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, flight.IsFatal(err))

	var fe *flight.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "NAME_REJECTED", fe.Code)
	assert.Equal(t, "name is not allowed", fe.Message)
}

func TestSubmitAppliesAdmission(t *testing.T) {
	h := newHarness(t, true)
	ctx := waitCtx(t)
	adm, err := config.NewAdmission(map[string]config.ClassConfig{
		"greet": {InputScript: `
def admit(inputs, flight_class, subject):
    if inputs.get("name") == "mallory":
        reject("mallory may not be greeted")
    inputs.setdefault("name", subject)
`},
		"reject": {Disabled: true},
	}, time.Second, nil)
	require.NoError(t, err)
	h.svc.cfg.Admission = adm

	res, err := h.svc.SubmitAndWait(ctx, alice, "greet", "", nil)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "hello alice", out["greeting"])

	_, err = h.svc.Submit(ctx, alice, "greet", "", map[string]interface{}{"name": "mallory"})
	var fe *flight.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, flight.ErrCodeInvalidInput, fe.Code)
	assert.ErrorIs(t, err, config.ErrRejected)

	_, err = h.svc.Submit(ctx, alice, "reject", "", nil)
	assert.ErrorIs(t, err, config.ErrRejected)

	page, err := h.svc.Enumerate(ctx, root, EnumerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "rejected submissions create no flight")
}

func TestSubmitValidatesRequest(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, alice, "missing", "", nil)
	require.Error(t, err)
	var fe *flight.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, flight.ErrCodeUnknownClass, fe.Code)

	_, err = h.svc.Submit(ctx, policy.Principal{}, "greet", "", nil)
	require.Error(t, err)
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, flight.ErrCodeInvalidInput, fe.Code)

	_, err = h.svc.Submit(ctx, policy.Principal{SubjectID: "carol", Email: "not-an-email"}, "greet", "", nil)
	require.Error(t, err)
}

func TestSubmitQueuesWhenEngineCannotTakeFlight(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, alice, "greet", "", map[string]interface{}{"name": "queue"})
	require.NoError(t, err)

	rec, err := h.store.GetFlight(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, flight.StatusQueued, rec.Status)
	assert.Empty(t, rec.Owner)
	assert.Equal(t, "alice", rec.Inputs.GetString(flight.KeySubjectID))

	job, err := h.svc.RetrieveStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, http.StatusAccepted, job.StatusCode)

	res, err := h.svc.RetrieveResult(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Empty(t, res.Response)
	assert.True(t, flight.IsInvalidResult(res.Decode(&struct{}{})))
}

func TestRetrieveResultDistinguishesDeniedFromMissing(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, alice, "greet", "", nil)
	require.NoError(t, err)

	_, err = h.svc.RetrieveResult(ctx, bob, id)
	assert.True(t, flight.IsUnauthorized(err))
	assert.False(t, flight.IsNotFound(err))

	_, err = h.svc.RetrieveResult(ctx, bob, "no-such-job")
	assert.True(t, flight.IsNotFound(err))

	_, err = h.svc.RetrieveResult(ctx, root, id)
	assert.NoError(t, err)

	// status needs no authorization
	_, err = h.svc.RetrieveStatus(ctx, id)
	assert.NoError(t, err)
}

func TestEnumerateRestrictsToOwnJobs(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var aliceJobs []string
	for i := 0; i < 2; i++ {
		id, err := h.svc.Submit(ctx, alice, "greet", "", nil)
		require.NoError(t, err)
		aliceJobs = append(aliceJobs, id)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := h.svc.Submit(ctx, bob, "greet", "", nil)
	require.NoError(t, err)

	page, err := h.svc.Enumerate(ctx, alice, EnumerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Jobs, 2)
	for _, job := range page.Jobs {
		assert.Equal(t, "alice", job.SubjectID)
	}

	page, err = h.svc.Enumerate(ctx, alice, EnumerateRequest{Limit: 1, Direction: SortDesc})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, aliceJobs[1], page.Jobs[0].ID)

	page, err = h.svc.Enumerate(ctx, root, EnumerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = h.svc.Enumerate(ctx, policy.Principal{SubjectID: "auditor", ReadAllJobs: true}, EnumerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = h.svc.Enumerate(ctx, bob, EnumerateRequest{IDs: aliceJobs})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Jobs)

	_, err = h.svc.Enumerate(ctx, alice, EnumerateRequest{Limit: 5000})
	require.Error(t, err)
	_, err = h.svc.Enumerate(ctx, alice, EnumerateRequest{Direction: "sideways"})
	require.Error(t, err)
}

func TestReleaseRequiresFinishedJob(t *testing.T) {
	h := newHarness(t, true)
	ctx := waitCtx(t)

	res, err := h.svc.SubmitAndWait(ctx, alice, "greet", "", nil)
	require.NoError(t, err)

	assert.True(t, flight.IsUnauthorized(h.svc.Release(ctx, bob, res.JobID)))
	require.NoError(t, h.svc.Release(ctx, alice, res.JobID))
	_, err = h.svc.RetrieveStatus(ctx, res.JobID)
	assert.True(t, flight.IsNotFound(err))
	assert.True(t, flight.IsNotFound(h.svc.Release(ctx, alice, res.JobID)))
}

func TestReleaseRejectsRunningJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, alice, "greet", "", nil)
	require.NoError(t, err)
	assert.True(t, flight.IsConflict(h.svc.Release(ctx, alice, id)))
}

// fakeEngine records calls made by the service.
type fakeEngine struct {
	mu        sync.Mutex
	submitted []string
	graceful  bool
	deadline  time.Duration
	shutdowns int
}

func (e *fakeEngine) Submit(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, id)
	return nil
}

func (e *fakeEngine) Shutdown(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdowns++
	if d, ok := ctx.Deadline(); ok {
		e.deadline = time.Until(d)
	}
	return e.graceful
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, policy.Principal, policy.Action, string, string) (bool, error) {
	return true, nil
}

func (allowAll) ReadsAll(context.Context, policy.Principal) (bool, error) { return true, nil }

func newShutdownService(t *testing.T, eng *fakeEngine, stoppers ...Stopper) (*Service, *stores.SQLStore) {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLStore(stores.Config{DSN: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(store, eng, allowAll{}, Config{
		WorkerID:           testWorker,
		Registry:           testRegistry(),
		MinShutdownTimeout: 400 * time.Millisecond,
		Stoppers:           stoppers,
	})
	require.NoError(t, err)
	return svc, store
}

func TestShutdownStopsAcceptingJobs(t *testing.T) {
	eng := &fakeEngine{graceful: true}
	var stopped []string
	svc, _ := newShutdownService(t, eng,
		func(context.Context) error { stopped = append(stopped, "heartbeat"); return nil },
		func(context.Context) error { return errors.New("already gone") },
	)
	ctx := context.Background()

	_, err := svc.Submit(ctx, alice, "greet", "", nil)
	require.NoError(t, err)
	assert.Equal(t, StateAccepting, svc.State())

	assert.True(t, svc.Shutdown(0))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, []string{"heartbeat"}, stopped)

	_, err = svc.Submit(ctx, alice, "greet", "", nil)
	assert.True(t, flight.IsShutdown(err))

	// the minimum applies, minus the quarter reserved for cleanup
	assert.InDelta(t, float64(300*time.Millisecond), float64(eng.deadline), float64(50*time.Millisecond))

	assert.True(t, svc.Shutdown(time.Second))
	assert.Equal(t, 1, eng.shutdowns)
}

func TestShutdownReportsHardStop(t *testing.T) {
	eng := &fakeEngine{graceful: false}
	svc, _ := newShutdownService(t, eng)

	assert.False(t, svc.Shutdown(time.Second))
	assert.InDelta(t, float64(750*time.Millisecond), float64(eng.deadline), float64(50*time.Millisecond))
}

func TestConcurrentShutdownWaitsForFirst(t *testing.T) {
	eng := &fakeEngine{graceful: true}
	svc, _ := newShutdownService(t, eng)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Shutdown(0)
		}(i)
	}
	wg.Wait()
	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, 1, eng.shutdowns)
}
