// Package job defines the backend job model and its status state machine.
//
// Valid status graph:
//
//	pending ──► running ──► completed
//	   │           │
//	   │           └──────► failed
//	   └──────────────────► completed | failed   (fast jobs may skip running between polls)
//
// completed and failed are terminal states. Non-terminal states may repeat (progress
// updates); no transition ever goes backwards.
package job

import (
	"fmt"
	"strings"
)

// Status mirrors the status column of the backend job tables.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusPending, StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed},
	// completed and failed are terminal: no outgoing transitions
}

// aliases are the other spellings some backends emit.
var aliases = map[string]Status{
	"queued":      StatusPending,
	"in_progress": StatusRunning,
	"processing":  StatusRunning,
}

// ParseStatus converts a raw backend value to a Status, returning an error for unknown
// values. Matching is exact on the lowercase wire form.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	}
	if a, ok := aliases[s]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false // terminal state
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends a job's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind identifies which backend operation a job belongs to.
type Kind string

const (
	KindScan         Kind = "scan"
	KindVerification Kind = "verification"
	KindBatch        Kind = "batch"
)

// ParseKind converts a raw string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	switch k {
	case KindScan, KindVerification, KindBatch:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}
