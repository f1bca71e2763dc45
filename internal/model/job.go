// Package model defines the harvest domain: jobs, work units, checkpoints,
// network identities, error events, and the harvested company/financial rows.
package model

import (
	"time"
)

// Stage is one of the three sequential phases of a harvest job.
type Stage string

const (
	StageSegment   Stage = "segment"   // walk segment search pages, discover companies
	StageResolve   Stage = "resolve"   // resolve org numbers from name + region
	StageFinancial Stage = "financial" // fetch financial statements per org number
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageSegment, StageResolve, StageFinancial}

// Next returns the stage after s, or false when s is the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// JobStatus represents the current state of a harvest job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobPaused  JobStatus = "paused"
	JobStopped JobStatus = "stopped"
	JobError   JobStatus = "error"
	JobDone    JobStatus = "done"
)

// jobTransitions holds the allowed status edges. Transitions are monotonic
// except the resume edges back to running.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning},
	JobRunning: {JobRunning, JobPaused, JobStopped, JobError, JobDone},
	JobPaused:  {JobRunning, JobStopped},
	JobStopped: {JobRunning},
	JobError:   {JobRunning},
}

// CanTransition reports whether a job may move from to the given status.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a run (resume may still re-enter).
func (s JobStatus) Terminal() bool {
	return s == JobStopped || s == JobError || s == JobDone
}

// ControlFlag is an operator request recorded on the job row. The stage
// runner observes it at batch boundaries, never mid-unit.
type ControlFlag string

const (
	ControlNone  ControlFlag = ""
	ControlPause ControlFlag = "pause"
	ControlStop  ControlFlag = "stop"
)

// Job identifies one extraction run. Rows are never deleted; terminal states
// are marked and kept for audit and resume.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Plan           []byte      `json:"plan"` // serialized plan.Plan
	Stage          Stage       `json:"stage"`
	Status         JobStatus   `json:"status"`
	Control        ControlFlag `json:"control,omitempty"`
	ProcessedCount int         `json:"processed_count"` // done units in the current stage
	TotalUnits     int         `json:"total_units"`     // companies discovered; fixed at segment completion
	ErrorCount     int         `json:"error_count"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// Resumable reports whether the job can re-enter running via an explicit
// resume command.
func (j *Job) Resumable() bool {
	return j.Status == JobPaused || j.Status == JobStopped || j.Status == JobError
}
