package model

import "time"

// ErrorKind is the failure taxonomy the retry policy operates on.
type ErrorKind string

const (
	ErrKindNetwork     ErrorKind = "network"      // transport/timeout; retryable
	ErrKindRateLimited ErrorKind = "rate_limited" // 429/back-pressure; retryable, throttles the stage
	ErrKindAuthExpired ErrorKind = "auth_expired" // session invalidated; refresh then retry
	ErrKindDataQuality ErrorKind = "data_quality" // malformed payload; held for manual review
	ErrKindFatal       ErrorKind = "fatal"        // halts the job; operator resume required
)

// Retryable reports whether the kind is recovered locally by the retry
// policy rather than surfaced.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindRateLimited, ErrKindAuthExpired:
		return true
	}
	return false
}

// ErrorEvent is one classified failure. Events are append-only: created by
// the classifier on every failure, consumed by the retry policy, surfaced to
// operators, never mutated.
type ErrorEvent struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Stage      Stage     `json:"stage"`
	UnitKey    string    `json:"unit_key"`
	Kind       ErrorKind `json:"kind"`
	Retryable  bool      `json:"retryable"`
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}
