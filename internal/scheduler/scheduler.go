// Package scheduler wires up the cron jobs of the watch service: the periodic backend
// health refresh, the optional daily campaign send, and the resume of watches left
// active by a previous process.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/metrics"
	"brandwriter/jobwatch-service/internal/watch"
)

// jobTimeout bounds a single cron run.
const jobTimeout = 2 * time.Minute

// HealthChecker checks every backend.
type HealthChecker interface {
	CheckAll(ctx context.Context) map[apiclient.Backend]apiclient.HealthStatus
}

// HealthSink receives health results, e.g. the gRPC health service.
type HealthSink interface {
	SetBackendHealth(results map[apiclient.Backend]apiclient.HealthStatus)
}

// DailySender triggers the backend's scheduled campaign sends.
type DailySender interface {
	SendDaily(ctx context.Context) (map[string]any, error)
}

// Watcher is the part of watch.Service the scheduler drives.
type Watcher interface {
	Resume(ctx context.Context) (int, error)
	WatchBatch(ctx context.Context, batchID string) (watch.Watch, error)
}

// Config selects the schedules. A zero HealthEvery disables the health refresh and an
// empty SendDailyCron disables the daily send.
type Config struct {
	HealthEvery   time.Duration
	SendDailyCron string
}

// Deps wires a Scheduler. Nil collaborators disable the jobs that need them.
type Deps struct {
	Health  HealthChecker
	Sinks   []HealthSink
	Sender  DailySender
	Watcher Watcher
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// Scheduler wraps robfig/cron and owns the service's periodic jobs.
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	health  HealthChecker
	sinks   []HealthSink
	sender  DailySender
	watcher Watcher
	metrics *metrics.Metrics
	log     logger.Logger
	wg      sync.WaitGroup
}

// New creates a Scheduler. Jobs are registered by Start.
func New(cfg Config, d Deps) *Scheduler {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	log := d.Logger.With(logger.Component("scheduler"))
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{log: log})),
		cfg:     cfg,
		health:  d.Health,
		sinks:   d.Sinks,
		sender:  d.Sender,
		watcher: d.Watcher,
		metrics: d.Metrics,
		log:     log,
	}
}

// Start resumes orphaned watches, registers the jobs and starts the scheduler. The
// health refresh also runs once immediately so checks are populated without waiting
// for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.watcher != nil {
		if _, err := s.watcher.Resume(ctx); err != nil {
			s.log.Warn("Resume watches failed", logger.Error(err))
		}
	}

	if s.health != nil && s.cfg.HealthEvery > 0 {
		spec := fmt.Sprintf("@every %s", s.cfg.HealthEvery)
		if _, err := s.cron.AddFunc(spec, func() { s.RefreshHealth(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc %q: %w", spec, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RefreshHealth(ctx)
		}()
	}

	if s.sender != nil && s.cfg.SendDailyCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.SendDailyCron, func() { s.SendDaily(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc %q: %w", s.cfg.SendDailyCron, err)
		}
	}

	s.cron.Start()
	s.log.Info("Cron started",
		logger.Duration("health_every", s.cfg.HealthEvery),
		logger.String("send_daily", s.cfg.SendDailyCron),
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("Cron stopped")
}

// RefreshHealth checks every backend and forwards the results to metrics and sinks.
func (s *Scheduler) RefreshHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	results := s.health.CheckAll(ctx)
	for b, st := range results {
		up := st.Status == apiclient.Healthy
		if s.metrics != nil {
			s.metrics.SetBackendUp(string(b), up)
		}
		if !up {
			s.log.Warn("Backend unhealthy", logger.String("backend", string(b)), logger.String("error", st.Error))
		}
	}
	for _, sink := range s.sinks {
		sink.SetBackendHealth(results)
	}
}

// SendDaily triggers today's sends and watches the resulting batch when the backend
// reports one.
func (s *Scheduler) SendDaily(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	resp, err := s.sender.SendDaily(ctx)
	if err != nil {
		s.log.Error("Daily send failed", logger.Error(err))
		return
	}
	s.log.Info("Daily send triggered", logger.Any("response", resp))

	batchID := batchIDOf(resp)
	if batchID == "" || s.watcher == nil {
		return
	}
	if _, err := s.watcher.WatchBatch(ctx, batchID); err != nil {
		s.log.Warn("Watch daily batch failed", logger.String("batch_id", batchID), logger.Error(err))
	}
}

// batchIDOf extracts batch_id from a send response; JSON numbers arrive as float64.
func batchIDOf(resp map[string]any) string {
	switch v := resp["batch_id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// cronLogger routes cron's own messages through the service logger.
type cronLogger struct{ log logger.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
