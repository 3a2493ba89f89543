package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/metrics"
	"brandwriter/jobwatch-service/internal/scheduler"
	"brandwriter/jobwatch-service/internal/watch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type checker map[apiclient.Backend]apiclient.HealthStatus

func (c checker) CheckAll(context.Context) map[apiclient.Backend]apiclient.HealthStatus { return c }

type sink struct {
	mu   sync.Mutex
	got  []map[apiclient.Backend]apiclient.HealthStatus
	done chan struct{}
}

func (s *sink) SetBackendHealth(r map[apiclient.Backend]apiclient.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	if s.done != nil && len(s.got) == 1 {
		close(s.done)
	}
}

type sender struct {
	resp map[string]any
	err  error
}

func (s sender) SendDaily(context.Context) (map[string]any, error) { return s.resp, s.err }

type watcher struct {
	mu      sync.Mutex
	resumed int
	batches []string
}

func (w *watcher) Resume(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resumed++
	return 0, nil
}

func (w *watcher) WatchBatch(_ context.Context, id string) (watch.Watch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, id)
	return watch.Watch{ID: "w-" + id}, nil
}

func TestRefreshHealth_FeedsMetricsAndSinks(t *testing.T) {
	m := metrics.New(nil)
	sk := &sink{}
	s := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Health: checker{
			apiclient.BackendMain:  {Status: apiclient.Healthy},
			apiclient.BackendEmail: {Status: apiclient.Unhealthy, Error: "timeout"},
		},
		Sinks:   []scheduler.HealthSink{sk},
		Metrics: m,
	})

	s.RefreshHealth(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("main")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("email")))
	require.Len(t, sk.got, 1)
	assert.Equal(t, apiclient.Unhealthy, sk.got[0][apiclient.BackendEmail].Status)
}

func TestSendDaily(t *testing.T) {
	tests := []struct {
		name    string
		sender  sender
		batches []string
	}{
		{"numeric batch id", sender{resp: map[string]any{"batch_id": float64(17)}}, []string{"17"}},
		{"string batch id", sender{resp: map[string]any{"batch_id": "b-3"}}, []string{"b-3"}},
		{"no batch", sender{resp: map[string]any{"message": "nothing to send"}}, nil},
		{"send error", sender{err: errors.New("boom")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &watcher{}
			s := scheduler.New(scheduler.Config{}, scheduler.Deps{Sender: tt.sender, Watcher: w})
			s.SendDaily(context.Background())
			assert.Equal(t, tt.batches, w.batches)
		})
	}
}

func TestStart_ResumesAndRefreshesImmediately(t *testing.T) {
	w := &watcher{}
	sk := &sink{done: make(chan struct{})}
	s := scheduler.New(
		scheduler.Config{HealthEvery: time.Hour, SendDailyCron: "0 9 * * *"},
		scheduler.Deps{
			Health:  checker{apiclient.BackendMain: {Status: apiclient.Healthy}},
			Sinks:   []scheduler.HealthSink{sk},
			Sender:  sender{},
			Watcher: w,
		},
	)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-sk.done:
	case <-time.After(5 * time.Second):
		t.Fatal("health refresh did not run at startup")
	}
	s.Stop()

	assert.Equal(t, 1, w.resumed)
}

func TestStart_RejectsBadCron(t *testing.T) {
	s := scheduler.New(scheduler.Config{SendDailyCron: "not a cron"}, scheduler.Deps{Sender: sender{}})
	assert.Error(t, s.Start(context.Background()))
}
