// Package poller observes a backend job until it reaches a terminal state.
//
// A poller is a bounded state machine: it stops on completed or failed, on cancellation,
// or when its maximum duration or attempt count runs out. Ticks never overlap; the next
// delay starts only after the previous fetch has returned.
package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/logger"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxDuration = 30 * time.Minute
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMultiplier  = 2.0
)

// ErrTimedOut is set as Result.Err when a poll ends without a terminal job status
// and no fetch error was pending.
var ErrTimedOut = errors.New("job did not reach a terminal status in time")

// FetchFunc reads the current state of a job from its backend.
type FetchFunc func(ctx context.Context, jobID string) (job.Job, error)

// Outcome is how a poll ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options configures a poller. Zero values select the defaults; a negative MaxDuration
// disables the duration bound and MaxAttempts 0 leaves the attempt count unbounded.
type Options struct {
	Interval    time.Duration
	MaxDuration time.Duration
	MaxAttempts int
	MaxBackoff  time.Duration
	Multiplier  float64
	Clock       Clock
	Logger      logger.Logger
	// Permanent marks fetch errors that end the poll as failed instead of being retried.
	Permanent func(error) bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = o.Interval
	}
	if o.Multiplier <= 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	return o
}

// backoff returns the delay after n consecutive fetch errors.
func (o Options) backoff(n int) time.Duration {
	d := float64(o.Interval) * math.Pow(o.Multiplier, float64(n))
	if d > float64(o.MaxBackoff) || math.IsInf(d, 0) {
		return o.MaxBackoff
	}
	return time.Duration(d)
}

// Callbacks receive poll events. All are optional and run on the poller goroutine.
// OnUpdate runs for every successful fetch, before the terminal callback.
type Callbacks struct {
	OnUpdate   func(job.Job)
	OnComplete func(job.Job)
	OnFailed   func(job.Job)
	// OnTimeout receives the last observed job, which is zero when no fetch succeeded.
	OnTimeout func(job.Job)
}

// Result describes a finished poll.
type Result struct {
	Outcome  Outcome
	Job      job.Job
	Attempts int
	Err      error
}

// Handle controls a running poller.
type Handle struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	once   sync.Once
}

// JobID returns the backend job id being observed.
func (h *Handle) JobID() string { return h.jobID }

// Cancel stops the poller. It is safe to call more than once and from any goroutine.
func (h *Handle) Cancel() { h.once.Do(h.cancel) }

// Done is closed once the poller goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the poller exits and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Start launches a poller for jobID. The first fetch happens immediately. The poller
// ends when ctx is cancelled, when Cancel is called, or on any terminal outcome.
func Start(ctx context.Context, jobID string, fetch FetchFunc, opts Options, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{jobID: jobID, cancel: cancel, done: make(chan struct{})}
	p := &poll{jobID: jobID, fetch: fetch, opts: opts.withDefaults(), cb: cb}
	p.log = p.opts.Logger.With(logger.Component("poller"), logger.String("job_id", jobID))

	go func() {
		defer close(h.done)
		defer cancel()
		h.result = p.run(ctx)
	}()
	return h
}

type poll struct {
	jobID string
	fetch FetchFunc
	opts  Options
	cb    Callbacks
	log   logger.Logger
}

func (p *poll) run(ctx context.Context) Result {
	clock := p.opts.Clock
	started := clock.Now()

	var (
		res     Result
		seen    bool
		errRun  int
		lastErr error
		delay   time.Duration
	)

	for {
		if delay > 0 {
			wait := delay
			if p.opts.MaxDuration > 0 {
				if remaining := p.opts.MaxDuration - clock.Now().Sub(started); remaining < wait {
					wait = max(remaining, 0)
				}
			}
			select {
			case <-ctx.Done():
				return p.cancelled(ctx, res)
			case <-clock.After(wait):
			}
		}
		if ctx.Err() != nil {
			return p.cancelled(ctx, res)
		}
		if p.opts.MaxDuration > 0 && clock.Now().Sub(started) >= p.opts.MaxDuration {
			return p.timedOut(res, lastErr)
		}

		j, err := p.fetch(ctx, p.jobID)
		res.Attempts++
		if ctx.Err() != nil {
			return p.cancelled(ctx, res)
		}

		if err != nil && p.opts.Permanent != nil && p.opts.Permanent(err) {
			res.Outcome = OutcomeFailed
			res.Err = err
			p.log.Warn("Status fetch failed permanently", logger.Error(err), logger.Int("attempts", res.Attempts))
			if p.cb.OnFailed != nil {
				p.cb.OnFailed(res.Job)
			}
			return res
		}

		if err != nil {
			errRun++
			lastErr = err
			delay = p.opts.backoff(errRun)
			p.log.Warn("Status fetch failed, will retry",
				logger.Error(err),
				logger.Int("consecutive_errors", errRun),
				logger.Duration("next_delay", delay),
			)
		} else {
			errRun = 0
			lastErr = nil
			delay = p.opts.Interval

			if seen && !job.IsTransitionAllowed(res.Job.Status, j.Status) {
				p.log.Warn("Ignoring backward status transition",
					logger.String("from", string(res.Job.Status)),
					logger.String("to", string(j.Status)),
				)
				j.Status = res.Job.Status
			}
			res.Job = j
			seen = true

			if p.cb.OnUpdate != nil {
				p.cb.OnUpdate(j)
			}

			switch j.Status {
			case job.StatusCompleted:
				res.Outcome = OutcomeCompleted
				if p.cb.OnComplete != nil && ctx.Err() == nil {
					p.cb.OnComplete(j)
				}
				return res
			case job.StatusFailed:
				res.Outcome = OutcomeFailed
				if p.cb.OnFailed != nil && ctx.Err() == nil {
					p.cb.OnFailed(j)
				}
				return res
			}
		}

		if p.opts.MaxAttempts > 0 && res.Attempts >= p.opts.MaxAttempts {
			return p.timedOut(res, lastErr)
		}
	}
}

func (p *poll) cancelled(ctx context.Context, res Result) Result {
	res.Outcome = OutcomeCancelled
	res.Err = context.Cause(ctx)
	p.log.Debug("Poll cancelled", logger.Int("attempts", res.Attempts))
	return res
}

func (p *poll) timedOut(res Result, lastErr error) Result {
	res.Outcome = OutcomeTimedOut
	res.Err = ErrTimedOut
	if lastErr != nil {
		res.Err = errors.Join(ErrTimedOut, lastErr)
	}
	p.log.Warn("Poll timed out",
		logger.Int("attempts", res.Attempts),
		logger.String("last_status", string(res.Job.Status)),
	)
	if p.cb.OnTimeout != nil {
		p.cb.OnTimeout(res.Job)
	}
	return res
}
