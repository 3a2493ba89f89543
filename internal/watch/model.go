package watch

import (
	"errors"
	"time"

	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/poller"
)

// Watch is the service-side record of one observed backend job.
type Watch struct {
	ID           string         `json:"id"`
	Kind         job.Kind       `json:"kind"`
	BackendJobID string         `json:"jobId"`
	StartKey     string         `json:"startKey"`
	SubjectID    string         `json:"subjectId,omitempty"`
	Job          job.Job        `json:"job"`
	Outcome      poller.Outcome `json:"outcome,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Active reports whether the watch is still polling (or was interrupted while polling).
func (w Watch) Active() bool { return w.Outcome == "" }

// Dashboard summarises every watch owned by a Service.
type Dashboard struct {
	Active     int       `json:"active"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	TimedOut   int       `json:"timedOut"`
	Cancelled  int       `json:"cancelled"`
	LastUpdate time.Time `json:"lastUpdate"`
	// Last is the most recently changed watch.
	Last Watch `json:"last"`
}

// Event types published on every watch change.
const (
	EventProgress  = "job:progress"
	EventCompleted = "job:completed"
	EventFailed    = "job:failed"
	EventTimedOut  = "job:timed_out"
	EventCancelled = "job:cancelled"
)

// Event is the message published for a watch change.
type Event struct {
	Type     string         `json:"type"`
	WatchID  string         `json:"watchId"`
	JobID    string         `json:"jobId"`
	Kind     job.Kind       `json:"kind"`
	Status   job.Status     `json:"status"`
	Progress int            `json:"progress"`
	Counters map[string]int `json:"counters,omitempty"`
	Outcome  poller.Outcome `json:"outcome,omitempty"`
	At       time.Time      `json:"at"`
}

func eventFor(w Watch, typ string) Event {
	return Event{
		Type:     typ,
		WatchID:  w.ID,
		JobID:    w.BackendJobID,
		Kind:     w.Kind,
		Status:   w.Job.Status,
		Progress: w.Job.Progress,
		Counters: w.Job.Counters,
		Outcome:  w.Outcome,
		At:       w.UpdatedAt,
	}
}

func outcomeEvent(o poller.Outcome) string {
	switch o {
	case poller.OutcomeCompleted:
		return EventCompleted
	case poller.OutcomeFailed:
		return EventFailed
	case poller.OutcomeTimedOut:
		return EventTimedOut
	default:
		return EventCancelled
	}
}

// ─── Sentinel errors ─────────────────────────────────────────────────────────

// ErrNotFound is returned when a watch id is unknown.
var ErrNotFound = errors.New("watch not found")

// ErrShuttingDown is returned when a job is started during shutdown.
var ErrShuttingDown = errors.New("watch service is shutting down")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }
