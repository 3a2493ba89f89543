package watch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/apierr"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/listfilter"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/poller"
	"brandwriter/jobwatch-service/internal/state"
	"brandwriter/jobwatch-service/internal/watch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// miniredis and go-redis pools linger until their cleanup hooks run.
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// ─── Fake backend ────────────────────────────────────────────────────────────

// fakeBackend serves scripted job snapshots. Each status call pops the next snapshot
// for the job; the last one repeats forever. Jobs in statusErr fail every status call.
type fakeBackend struct {
	mu        sync.Mutex
	scripts   map[string][]job.Job
	statusErr map[string]error
	calls     map[string]int
	started   int
	startErr  error
	emails    []apiclient.Email
	filters   []apiclient.EmailFilter
	nextID    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{scripts: map[string][]job.Job{}, calls: map[string]int{}}
}

func (f *fakeBackend) script(id string, snaps ...job.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range snaps {
		snaps[i].ID = id
	}
	f.scripts[id] = snaps
}

func (f *fakeBackend) newJob() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started++
	f.nextID++
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeBackend) status(id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.statusErr[id]; ok {
		return job.Job{}, err
	}
	snaps, ok := f.scripts[id]
	if !ok {
		return job.Job{ID: id, Status: job.StatusRunning}, nil
	}
	n := f.calls[id]
	f.calls[id]++
	if n >= len(snaps) {
		n = len(snaps) - 1
	}
	return snaps[n], nil
}

func (f *fakeBackend) StartScan(context.Context, string, apiclient.ScanOptions) (string, error) {
	return f.newJob()
}

func (f *fakeBackend) StartVerification(context.Context, []string, bool, bool) (string, error) {
	return f.newJob()
}

func (f *fakeBackend) ScanStatus(_ context.Context, id string) (job.Job, error)         { return f.status(id) }
func (f *fakeBackend) VerificationStatus(_ context.Context, id string) (job.Job, error) { return f.status(id) }
func (f *fakeBackend) BatchStatus(_ context.Context, id string) (job.Job, error)        { return f.status(id) }

func (f *fakeBackend) ListEmails(_ context.Context, filter apiclient.EmailFilter) ([]apiclient.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	out := make([]apiclient.Email, 0)
	for _, e := range f.emails {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func fastPoll() poller.Options {
	return poller.Options{Interval: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newService(t *testing.T, b watch.Backend, mutate ...func(*watch.Deps)) *watch.Service {
	t.Helper()
	d := watch.Deps{Backend: b, Poll: fastPoll()}
	for _, m := range mutate {
		m(&d)
	}
	svc := watch.NewService(d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func waitFor(t *testing.T, svc *watch.Service, id string) watch.Watch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return w
}

func score(v int) *int { return &v }

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestScanToResults_EndToEnd(t *testing.T) {
	b := newFakeBackend()
	b.script("job-1",
		job.Job{Status: job.StatusRunning, Progress: 40},
		job.Job{
			Status:   job.StatusCompleted,
			Progress: 100,
			Counters: map[string]int{job.CounterPeopleFound: 12, job.CounterEmailsDiscovered: 9},
		},
	)
	for i := 0; i < 12; i++ {
		status := "draft"
		if i%3 == 0 {
			status = "approved"
		}
		b.emails = append(b.emails, apiclient.Email{ID: i, Status: status, QualityScore: score(50 + i)})
	}

	svc := newService(t, b)
	w, err := svc.StartScan(context.Background(), "42", apiclient.DefaultScanOptions())
	require.NoError(t, err)
	assert.Equal(t, job.KindScan, w.Kind)
	assert.Equal(t, "job-1", w.BackendJobID)

	final := waitFor(t, svc, w.ID)
	assert.Equal(t, poller.OutcomeCompleted, final.Outcome)
	assert.Equal(t, job.StatusCompleted, final.Job.Status)
	assert.Equal(t, 100, final.Job.Progress)
	assert.Equal(t, 12, final.Job.Counter(job.CounterPeopleFound))

	// The poller stopped: no further status calls happen after completion.
	b.mu.Lock()
	calls := b.calls["job-1"]
	b.mu.Unlock()
	assert.Equal(t, 2, calls)

	items, err := svc.Results(context.Background(), w.ID, listfilter.Spec{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(items), final.Job.Counter(job.CounterEmailsDiscovered))
	for _, e := range items {
		assert.Equal(t, "draft", e.Status)
	}
	require.NotEmpty(t, b.filters)
	assert.Equal(t, apiclient.EmailFilter{Status: "draft", CompanyID: "42"}, b.filters[0])
}

func TestResults_Rejections(t *testing.T) {
	b := newFakeBackend()
	b.script("job-1", job.Job{Status: job.StatusFailed, ErrorMessage: "site unreachable"})
	svc := newService(t, b)

	_, err := svc.Results(context.Background(), "missing", listfilter.Spec{})
	assert.True(t, watch.IsNotFound(err))

	w, err := svc.StartScan(context.Background(), "7", apiclient.DefaultScanOptions())
	require.NoError(t, err)
	final := waitFor(t, svc, w.ID)
	assert.Equal(t, poller.OutcomeFailed, final.Outcome)
	assert.Equal(t, "site unreachable", final.Error)

	_, err = svc.Results(context.Background(), w.ID, listfilter.Spec{})
	var ve *watch.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestStart_Validation(t *testing.T) {
	svc := newService(t, newFakeBackend())
	ctx := context.Background()

	_, err := svc.StartScan(ctx, "  ", apiclient.DefaultScanOptions())
	var ve *watch.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = svc.StartScan(ctx, "1", apiclient.ScanOptions{})
	assert.ErrorAs(t, err, &ve)

	_, err = svc.StartVerification(ctx, []string{" ", ""}, watch.VerifyOptions{})
	assert.ErrorAs(t, err, &ve)

	_, err = svc.WatchBatch(ctx, "")
	assert.ErrorAs(t, err, &ve)
}

func TestStart_DuplicateRefusedWhileInFlight(t *testing.T) {
	b := newFakeBackend()
	svc := newService(t, b)
	ctx := context.Background()

	first, err := svc.StartScan(ctx, "42", apiclient.DefaultScanOptions())
	require.NoError(t, err)

	_, err = svc.StartScan(ctx, "42", apiclient.DefaultScanOptions())
	assert.ErrorIs(t, err, guard.ErrInFlight)
	assert.Equal(t, 1, b.started, "no second backend job is created")

	// A different company is unaffected.
	other, err := svc.StartScan(ctx, "43", apiclient.DefaultScanOptions())
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, other.ID)
	require.NoError(t, err)

	_, err = svc.StartScan(ctx, "42", apiclient.DefaultScanOptions())
	assert.NoError(t, err, "key is released once the first watch ends")
}

func TestStartFailure_ReleasesKey(t *testing.T) {
	b := newFakeBackend()
	b.startErr = errors.New("backend down")
	svc := newService(t, b)

	_, err := svc.StartVerification(context.Background(), []string{"1", "2"}, watch.VerifyOptions{})
	assert.ErrorContains(t, err, "backend down")

	b.mu.Lock()
	b.startErr = nil
	b.mu.Unlock()
	_, err = svc.StartVerification(context.Background(), []string{"2", "1"}, watch.VerifyOptions{})
	assert.NoError(t, err)
}

func TestStartRejectedByBackend_LogsAtInfo(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := newFakeBackend()
	b.startErr = &apierr.Error{
		StatusCode:  http.StatusUnprocessableEntity,
		Message:     "email_ids: field required",
		FieldErrors: []apierr.FieldError{{Field: "email_ids", Message: "field required"}},
	}
	svc := newService(t, b, func(d *watch.Deps) { d.Logger = logger.FromZap(zap.New(core)) })

	_, err := svc.StartVerification(context.Background(), []string{"1"}, watch.VerifyOptions{})
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))

	rejected := logs.FilterMessage("Backend rejected start").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, zapcore.InfoLevel, rejected[0].Level)
	assert.Zero(t, logs.FilterMessage("Backend start failed").Len())
}

func TestCancel_PersistsCancelledOutcome(t *testing.T) {
	svc := newService(t, newFakeBackend())
	ctx := context.Background()

	w, err := svc.WatchBatch(ctx, "b-9")
	require.NoError(t, err)
	assert.Equal(t, "b-9", w.BackendJobID)

	final, err := svc.Cancel(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, poller.OutcomeCancelled, final.Outcome)

	again, err := svc.Cancel(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, final, again, "cancelling a finished watch is a no-op")

	_, err = svc.Cancel(ctx, "unknown")
	assert.True(t, watch.IsNotFound(err))
}

func TestTimedOut(t *testing.T) {
	b := newFakeBackend()
	svc := newService(t, b, func(d *watch.Deps) { d.Poll.MaxAttempts = 3 })

	w, err := svc.WatchBatch(context.Background(), "slow")
	require.NoError(t, err)

	final := waitFor(t, svc, w.ID)
	assert.Equal(t, poller.OutcomeTimedOut, final.Outcome)
	assert.Contains(t, final.Error, poller.ErrTimedOut.Error())
}

func TestMissingBackendJob_FailsWithoutRetrying(t *testing.T) {
	b := newFakeBackend()
	b.statusErr = map[string]error{
		"gone": &apierr.Error{StatusCode: http.StatusNotFound, Message: "Batch not found"},
	}
	svc := newService(t, b)

	w, err := svc.WatchBatch(context.Background(), "gone")
	require.NoError(t, err)

	final := waitFor(t, svc, w.ID)
	assert.Equal(t, poller.OutcomeFailed, final.Outcome)
	assert.Equal(t, "Batch not found", final.Error)
}

func TestDashboardStore_Notifies(t *testing.T) {
	b := newFakeBackend()
	b.script("b-1", job.Job{Status: job.StatusRunning, Progress: 10}, job.Job{Status: job.StatusCompleted, Progress: 100})
	store := state.New(watch.Dashboard{})

	var (
		mu   sync.Mutex
		seen []watch.Dashboard
	)
	unsubscribe := store.Subscribe(func(d watch.Dashboard) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	})

	svc := newService(t, b, func(d *watch.Deps) { d.Store = store })
	assert.Same(t, store, svc.Store())

	w, err := svc.WatchBatch(context.Background(), "b-1")
	require.NoError(t, err)
	waitFor(t, svc, w.ID)
	unsubscribe()

	got := store.Get()
	assert.Equal(t, 0, got.Active)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, w.ID, got.Last.ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, 1, seen[0].Active)
	assert.Equal(t, 1, seen[len(seen)-1].Completed)
}

func TestEvents_PublishedToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sub := rdb.Subscribe(context.Background(), watch.EventsChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	b := newFakeBackend()
	b.script("b-1", job.Job{Status: job.StatusRunning, Progress: 50}, job.Job{Status: job.StatusCompleted, Progress: 100})
	svc := newService(t, b, func(d *watch.Deps) {
		d.Publisher = watch.NewRedisPublisher(rdb)
		d.Guard = guard.NewRedisGuard(rdb)
	})

	w, err := svc.WatchBatch(context.Background(), "b-1")
	require.NoError(t, err)
	waitFor(t, svc, w.ID)

	var types []string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var ev watch.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, w.ID, ev.WatchID)
		types = append(types, ev.Type)
		if ev.Type == watch.EventCompleted {
			break
		}
	}
	assert.Equal(t, watch.EventProgress, types[0])
	assert.Equal(t, watch.EventCompleted, types[len(types)-1])

	assert.False(t, mr.Exists("jobwatch:inflight:batch:b-1"), "lease released after completion")
}

func TestShutdown_LeavesWatchResumable(t *testing.T) {
	b := newFakeBackend()
	repo := watch.NewMemoryRepository()
	g := guard.NewMemoryGuard()

	first := watch.NewService(watch.Deps{Backend: b, Repo: repo, Guard: g, Poll: fastPoll()})
	w, err := first.WatchBatch(context.Background(), "b-5")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))

	stored, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active(), "interrupted watch stays active")

	_, err = first.WatchBatch(ctx, "b-6")
	assert.ErrorIs(t, err, watch.ErrShuttingDown)

	b.script("b-5", job.Job{Status: job.StatusCompleted, Progress: 100})
	second := newService(t, b, func(d *watch.Deps) {
		d.Repo = repo
		d.Guard = g
	})
	n, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := waitFor(t, second, w.ID)
	assert.Equal(t, poller.OutcomeCompleted, final.Outcome)

	n, err = second.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "finished watches are not resumed")
}

func TestList_NewestFirst(t *testing.T) {
	b := newFakeBackend()
	b.script("b-1", job.Job{Status: job.StatusCompleted})
	b.script("b-2", job.Job{Status: job.StatusCompleted})
	svc := newService(t, b)

	w1, err := svc.WatchBatch(context.Background(), "b-1")
	require.NoError(t, err)
	waitFor(t, svc, w1.ID)
	time.Sleep(2 * time.Millisecond)
	w2, err := svc.WatchBatch(context.Background(), "b-2")
	require.NoError(t, err)
	waitFor(t, svc, w2.ID)

	ws, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, w2.ID, ws[0].ID)
	assert.Equal(t, w1.ID, ws[1].ID)

	got, err := svc.Get(context.Background(), w1.ID)
	require.NoError(t, err)
	assert.Equal(t, poller.OutcomeCompleted, got.Outcome)
}
