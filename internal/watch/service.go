// Package watch starts backend jobs and observes them to completion.
// It is transport-agnostic: used by the REST handlers, the CLI and the scheduler.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/apierr"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/listfilter"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/metrics"
	"brandwriter/jobwatch-service/internal/poller"
	"brandwriter/jobwatch-service/internal/state"
)

// sideEffectTimeout bounds each persist/publish call.
const sideEffectTimeout = 5 * time.Second

// Backend is the subset of the backend API the service drives.
type Backend interface {
	StartScan(ctx context.Context, companyID string, opts apiclient.ScanOptions) (string, error)
	ScanStatus(ctx context.Context, jobID string) (job.Job, error)
	StartVerification(ctx context.Context, emailIDs []string, checkMX, checkSMTP bool) (string, error)
	VerificationStatus(ctx context.Context, jobID string) (job.Job, error)
	BatchStatus(ctx context.Context, batchID string) (job.Job, error)
	ListEmails(ctx context.Context, f apiclient.EmailFilter) ([]apiclient.Email, error)
}

// clientBackend adapts *apiclient.Client to Backend.
type clientBackend struct{ c *apiclient.Client }

// NewClientBackend exposes an API client as a Backend.
func NewClientBackend(c *apiclient.Client) Backend { return clientBackend{c: c} }

func (b clientBackend) StartScan(ctx context.Context, companyID string, opts apiclient.ScanOptions) (string, error) {
	return b.c.Scans.Start(ctx, companyID, opts)
}

func (b clientBackend) ScanStatus(ctx context.Context, jobID string) (job.Job, error) {
	return b.c.Scans.Status(ctx, jobID)
}

func (b clientBackend) StartVerification(ctx context.Context, emailIDs []string, checkMX, checkSMTP bool) (string, error) {
	id, _, err := b.c.Verification.StartBulk(ctx, emailIDs, checkMX, checkSMTP)
	return id, err
}

func (b clientBackend) VerificationStatus(ctx context.Context, jobID string) (job.Job, error) {
	return b.c.Verification.Status(ctx, jobID)
}

func (b clientBackend) BatchStatus(ctx context.Context, batchID string) (job.Job, error) {
	return b.c.Batches.Status(ctx, batchID)
}

func (b clientBackend) ListEmails(ctx context.Context, f apiclient.EmailFilter) ([]apiclient.Email, error) {
	return b.c.Emails.List(ctx, f)
}

// VerifyOptions selects the checks of a bulk verification.
type VerifyOptions struct {
	CheckMX   bool
	CheckSMTP bool
}

// Deps wires a Service. Only Backend is required.
type Deps struct {
	Backend   Backend
	Guard     guard.Guard
	Repo      Repository
	Publisher Publisher
	Store     *state.Store[Dashboard]
	Metrics   *metrics.Metrics
	Logger    logger.Logger
	Poll      poller.Options
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service owns every poller it starts; Cancel and Shutdown stop and join them.
type Service struct {
	backend  Backend
	guard    guard.Guard
	repo     Repository
	pub      Publisher
	store    *state.Store[Dashboard]
	metrics  *metrics.Metrics
	log      logger.Logger
	pollOpts poller.Options
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]*entry
}

type entry struct {
	watch    Watch
	lease    guard.Lease
	handle   *poller.Handle
	finished chan struct{}
}

// NewService returns a configured Service. Missing optional dependencies fall back to
// in-process implementations.
func NewService(d Deps) *Service {
	if d.Guard == nil {
		d.Guard = guard.NewMemoryGuard()
	}
	if d.Repo == nil {
		d.Repo = NewMemoryRepository()
	}
	if d.Publisher == nil {
		d.Publisher = NopPublisher{}
	}
	if d.Store == nil {
		d.Store = state.New(Dashboard{})
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	log := d.Logger.With(logger.Component("watch"))
	d.Poll.Logger = log
	if d.Poll.Permanent == nil {
		d.Poll.Permanent = apierr.IsNotFound
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		backend:  d.Backend,
		guard:    d.Guard,
		repo:     d.Repo,
		pub:      d.Publisher,
		store:    d.Store,
		metrics:  d.Metrics,
		log:      log,
		pollOpts: d.Poll,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*entry),
	}
}

// Store exposes the dashboard state for subscribers.
func (s *Service) Store() *state.Store[Dashboard] { return s.store }

// ─── Starting jobs ───────────────────────────────────────────────────────────

// StartScan starts a website/LinkedIn scan of a company and watches it.
func (s *Service) StartScan(ctx context.Context, companyID string, opts apiclient.ScanOptions) (Watch, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return Watch{}, &ValidationError{Msg: "companyId is required"}
	}
	if !opts.ScanWebsite && !opts.ScanLinkedIn {
		return Watch{}, &ValidationError{Msg: "at least one of scanWebsite or scanLinkedin must be set"}
	}
	return s.start(ctx, job.KindScan, guard.ScanKey(companyID), companyID, func(ctx context.Context) (string, error) {
		return s.backend.StartScan(ctx, companyID, opts)
	})
}

// StartVerification starts a bulk verification of emailIDs and watches it.
func (s *Service) StartVerification(ctx context.Context, emailIDs []string, opts VerifyOptions) (Watch, error) {
	ids := make([]string, 0, len(emailIDs))
	for _, id := range emailIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Watch{}, &ValidationError{Msg: "emailIds must not be empty"}
	}
	return s.start(ctx, job.KindVerification, guard.VerificationKey(ids), "", func(ctx context.Context) (string, error) {
		return s.backend.StartVerification(ctx, ids, opts.CheckMX, opts.CheckSMTP)
	})
}

// WatchBatch watches a campaign send batch that the backend already started.
func (s *Service) WatchBatch(ctx context.Context, batchID string) (Watch, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return Watch{}, &ValidationError{Msg: "batch id is required"}
	}
	return s.start(ctx, job.KindBatch, guard.BatchKey(batchID), batchID, func(context.Context) (string, error) {
		return batchID, nil
	})
}

func (s *Service) start(
	ctx context.Context,
	kind job.Kind,
	key, subject string,
	startJob func(context.Context) (string, error),
) (Watch, error) {
	if s.stopping.Load() {
		return Watch{}, ErrShuttingDown
	}

	lease, err := s.guard.Acquire(ctx, key, guard.TTL(s.maxDuration()))
	if errors.Is(err, guard.ErrInFlight) {
		s.metrics.StartsRejected.WithLabelValues(string(kind)).Inc()
		s.log.Info("Start refused, target already in flight", logger.String("key", key))
		return Watch{}, err
	}
	if err != nil {
		return Watch{}, fmt.Errorf("acquire %s: %w", key, err)
	}

	backendID, err := startJob(ctx)
	if err != nil {
		s.release(lease)
		if apierr.IsValidation(err) {
			s.log.Info("Backend rejected start", logger.String("key", key), logger.Error(err))
		} else {
			s.log.Warn("Backend start failed", logger.String("key", key), logger.Error(err))
		}
		return Watch{}, err
	}

	now := s.now()
	w := Watch{
		ID:           uuid.NewString(),
		Kind:         kind,
		BackendJobID: backendID,
		StartKey:     key,
		SubjectID:    subject,
		Job:          job.Job{ID: backendID, Kind: kind, Status: job.StatusPending},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sideEffects(w, "")
	if err := s.attach(w, lease); err != nil {
		s.release(lease)
		return Watch{}, err
	}

	s.log.Info("Watch started",
		logger.String("watch_id", w.ID),
		logger.String("kind", string(kind)),
		logger.String("job_id", backendID),
	)
	return w, nil
}

func (s *Service) maxDuration() time.Duration {
	if s.pollOpts.MaxDuration == 0 {
		return poller.DefaultMaxDuration
	}
	return s.pollOpts.MaxDuration
}

func (s *Service) fetcher(kind job.Kind) (poller.FetchFunc, error) {
	var fetch poller.FetchFunc
	switch kind {
	case job.KindScan:
		fetch = s.backend.ScanStatus
	case job.KindVerification:
		fetch = s.backend.VerificationStatus
	case job.KindBatch:
		fetch = s.backend.BatchStatus
	default:
		return nil, fmt.Errorf("no status endpoint for job kind %q", kind)
	}
	return func(ctx context.Context, id string) (job.Job, error) {
		began := time.Now()
		j, err := fetch(ctx, id)
		s.metrics.ObserveFetch(string(kind), time.Since(began), err)
		return j, err
	}, nil
}

// attach starts the poller of w and the goroutine that finalizes it.
func (s *Service) attach(w Watch, lease guard.Lease) error {
	fetch, err := s.fetcher(w.Kind)
	if err != nil {
		return err
	}

	s.store.Set(func(d Dashboard) Dashboard {
		d.Active++
		d.LastUpdate = w.UpdatedAt
		d.Last = w
		return d
	})

	e := &entry{watch: w, lease: lease, finished: make(chan struct{})}
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		s.store.Set(func(d Dashboard) Dashboard { d.Active--; return d })
		return ErrShuttingDown
	}
	s.running[w.ID] = e
	e.handle = poller.Start(s.ctx, w.BackendJobID, fetch, s.pollOpts, poller.Callbacks{
		OnUpdate: func(j job.Job) { s.onUpdate(w.ID, j) },
	})
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.WatchesActive.Inc()
	s.metrics.WatchesStarted.WithLabelValues(string(w.Kind)).Inc()

	go func() {
		defer s.wg.Done()
		s.finish(e, e.handle.Wait())
	}()
	return nil
}

func (s *Service) onUpdate(id string, j job.Job) {
	s.mu.Lock()
	e, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.watch.Job = j
	e.watch.UpdatedAt = s.now()
	w := e.watch
	s.mu.Unlock()

	s.sideEffects(w, EventProgress)
	s.store.Set(func(d Dashboard) Dashboard {
		d.LastUpdate = w.UpdatedAt
		d.Last = w
		return d
	})
}

func (s *Service) finish(e *entry, res poller.Result) {
	defer close(e.finished)

	s.mu.Lock()
	w := e.watch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, w.ID)
		s.mu.Unlock()
		s.release(e.lease)
		s.metrics.WatchesActive.Dec()
	}()

	// Interrupted by shutdown: keep the row active so the next process resumes it.
	if res.Outcome == poller.OutcomeCancelled && s.stopping.Load() {
		s.store.Set(func(d Dashboard) Dashboard { d.Active--; return d })
		return
	}

	w.Outcome = res.Outcome
	if res.Job.ID != "" {
		w.Job = res.Job
	}
	switch res.Outcome {
	case poller.OutcomeFailed:
		w.Error = w.Job.ErrorMessage
		if w.Error == "" && res.Err != nil {
			w.Error = res.Err.Error()
		}
	case poller.OutcomeTimedOut:
		w.Error = res.Err.Error()
	}
	w.UpdatedAt = s.now()

	s.sideEffects(w, outcomeEvent(res.Outcome))
	s.mu.Lock()
	e.watch = w
	s.mu.Unlock()

	s.metrics.WatchesFinished.WithLabelValues(string(w.Kind), string(res.Outcome)).Inc()
	s.store.Set(func(d Dashboard) Dashboard {
		d.Active--
		switch res.Outcome {
		case poller.OutcomeCompleted:
			d.Completed++
		case poller.OutcomeFailed:
			d.Failed++
		case poller.OutcomeTimedOut:
			d.TimedOut++
		case poller.OutcomeCancelled:
			d.Cancelled++
		}
		d.LastUpdate = w.UpdatedAt
		d.Last = w
		return d
	})

	s.log.Info("Watch finished",
		logger.String("watch_id", w.ID),
		logger.String("outcome", string(res.Outcome)),
		logger.Int("attempts", res.Attempts),
	)
}

// sideEffects persists w and publishes an event of type typ (none when empty).
// Failures are logged and never abort the watch.
func (s *Service) sideEffects(w Watch, typ string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := s.repo.Save(ctx, w); err != nil {
		s.log.Warn("Persist watch failed", logger.String("watch_id", w.ID), logger.Error(err))
	}
	if typ == "" {
		return
	}
	if err := s.pub.Publish(ctx, eventFor(w, typ)); err != nil {
		s.log.Warn("Publish event failed",
			logger.String("watch_id", w.ID),
			logger.String("type", typ),
			logger.Error(err),
		)
	}
}

func (s *Service) release(lease guard.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := s.guard.Release(ctx, lease); err != nil {
		s.log.Warn("Release in-flight key failed", logger.String("key", lease.Key), logger.Error(err))
	}
}

// ─── Reading and controlling watches ─────────────────────────────────────────

// Get returns the latest snapshot of a watch.
func (s *Service) Get(ctx context.Context, id string) (Watch, error) {
	s.mu.Lock()
	if e, ok := s.running[id]; ok {
		w := e.watch
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()
	return s.repo.Get(ctx, id)
}

// List returns every known watch, newest first.
func (s *Service) List(ctx context.Context) ([]Watch, error) {
	ws, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range ws {
		if e, ok := s.running[w.ID]; ok {
			ws[i] = e.watch
		}
	}
	return ws, nil
}

// Wait blocks until the watch id finishes or ctx is done, then returns its final snapshot.
func (s *Service) Wait(ctx context.Context, id string) (Watch, error) {
	s.mu.Lock()
	e, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-e.finished:
		case <-ctx.Done():
			return Watch{}, ctx.Err()
		}
	}
	return s.repo.Get(ctx, id)
}

// Cancel stops a running watch and returns its final snapshot. Cancelling a finished
// watch returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (Watch, error) {
	s.mu.Lock()
	e, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		e.handle.Cancel()
	}
	return s.Wait(ctx, id)
}

// Resume re-attaches pollers to watches left active by a previous process.
// It returns the number of watches resumed.
func (s *Service) Resume(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active watches: %w", err)
	}

	resumed := 0
	for _, w := range active {
		s.mu.Lock()
		_, running := s.running[w.ID]
		s.mu.Unlock()
		if running {
			continue
		}

		lease, err := s.guard.Acquire(ctx, w.StartKey, guard.TTL(s.maxDuration()))
		if err != nil {
			s.log.Warn("Cannot resume watch", logger.String("watch_id", w.ID), logger.Error(err))
			continue
		}
		if err := s.attach(w, lease); err != nil {
			s.release(lease)
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		s.log.Info("Resumed watches", logger.Int("count", resumed))
	}
	return resumed, nil
}

// Results lists the draft emails discovered by a completed scan, narrowed by spec.
func (s *Service) Results(ctx context.Context, id string, spec listfilter.Spec) ([]apiclient.Email, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Kind != job.KindScan {
		return nil, &ValidationError{Msg: fmt.Sprintf("watch %s is a %s watch, results exist for scans only", id, w.Kind)}
	}
	if w.Outcome != poller.OutcomeCompleted {
		return nil, &ValidationError{Msg: fmt.Sprintf("scan %s has not completed", id)}
	}

	emails, err := s.backend.ListEmails(ctx, apiclient.EmailFilter{Status: "draft", CompanyID: w.SubjectID})
	if err != nil {
		return nil, err
	}
	return listfilter.Apply(emails, spec), nil
}

// Shutdown stops every poller and waits for them to exit or for ctx to end.
// Interrupted watches stay active in the repository.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping.Store(true)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
