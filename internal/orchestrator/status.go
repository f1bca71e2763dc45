package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/harvest-cli/internal/model"
)

// ringCapacity bounds the per-job recent-error buffer.
const ringCapacity = 50

// rateWindow bounds how far back checkpoint samples count toward the
// throughput estimate.
const rateWindow = 10 * time.Minute

// Snapshot is the read-only view of one job returned by Status.
type Snapshot struct {
	JobID          string                                    `json:"job_id"`
	Name           string                                    `json:"name"`
	Stage          model.Stage                               `json:"stage"`
	Status         model.JobStatus                           `json:"status"`
	Control        model.ControlFlag                         `json:"control,omitempty"`
	ProcessedCount int                                       `json:"processed_count"`
	TotalUnits     int                                       `json:"total_units"`
	ErrorCount     int                                       `json:"error_count"`
	LastError      string                                    `json:"last_error,omitempty"`
	Units          map[model.Stage]map[model.UnitStatus]int  `json:"units"`
	RatePerMinute  float64                                   `json:"rate_per_minute"`
	EstimatedDone  *time.Time                                `json:"estimated_done,omitempty"`
	RecentErrors   []model.ErrorEvent                        `json:"recent_errors"`
	StartedAt      *time.Time                                `json:"started_at,omitempty"`
	FinishedAt     *time.Time                                `json:"finished_at,omitempty"`
	UpdatedAt      time.Time                                 `json:"updated_at"`
}

// Status assembles a point-in-time snapshot: job row, per-stage unit
// tallies, recent classified errors, and a throughput estimate derived
// from checkpoint deltas.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		JobID:          job.ID,
		Name:           job.Name,
		Stage:          job.Stage,
		Status:         job.Status,
		Control:        job.Control,
		ProcessedCount: job.ProcessedCount,
		TotalUnits:     job.TotalUnits,
		ErrorCount:     job.ErrorCount,
		LastError:      job.LastError,
		Units:          make(map[model.Stage]map[model.UnitStatus]int, len(model.Stages)),
		RecentErrors:   o.rings.recent(job.ID),
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		UpdatedAt:      job.UpdatedAt,
	}

	for _, stage := range model.Stages {
		counts, err := o.store.CountUnits(ctx, jobID, stage)
		if err != nil {
			return nil, err
		}
		snap.Units[stage] = counts
	}

	if cp, err := o.store.LoadCheckpoint(ctx, jobID, job.Stage); err == nil && cp != nil {
		o.samples.observe(jobID, job.Stage, cp.SavedAt, cp.ProcessedCount)
		snap.RatePerMinute = o.samples.ratePerMinute(jobID, job.Stage)

		if snap.RatePerMinute > 0 && job.Status == model.JobRunning {
			remaining := snap.Units[job.Stage][model.UnitPending] + snap.Units[job.Stage][model.UnitInFlight]
			eta := time.Now().UTC().Add(time.Duration(float64(remaining) / snap.RatePerMinute * float64(time.Minute)))
			snap.EstimatedDone = &eta
		}
	}

	return snap, nil
}

// ringSet holds the per-job recent-error ring buffers. The ring belongs
// to the orchestrator; the store's error_events table is the full log.
type ringSet struct {
	mu   sync.Mutex
	cap  int
	jobs map[string][]model.ErrorEvent
}

func newRingSet(capacity int) *ringSet {
	return &ringSet{cap: capacity, jobs: make(map[string][]model.ErrorEvent)}
}

func (r *ringSet) add(jobID string, ev model.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := append(r.jobs[jobID], ev)
	if len(ring) > r.cap {
		ring = ring[len(ring)-r.cap:]
	}
	r.jobs[jobID] = ring
}

// recent returns the buffered errors, newest first.
func (r *ringSet) recent(jobID string) []model.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.jobs[jobID]
	out := make([]model.ErrorEvent, len(ring))
	for i, ev := range ring {
		out[len(ring)-1-i] = ev
	}
	return out
}

// sampleSet remembers recent checkpoint observations per (job, stage) so
// throughput can be computed from deltas. Checkpoints are overwritten in
// the store, so history lives here.
type sampleSet struct {
	mu   sync.Mutex
	jobs map[string][]sample
}

type sample struct {
	stage     model.Stage
	savedAt   time.Time
	processed int
}

func newSampleSet() *sampleSet {
	return &sampleSet{jobs: make(map[string][]sample)}
}

func (s *sampleSet) observe(jobID string, stage model.Stage, savedAt time.Time, processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.jobs[jobID]
	if n := len(ring); n > 0 && ring[n-1].stage == stage && ring[n-1].savedAt.Equal(savedAt) {
		return // same checkpoint observed twice
	}
	ring = append(ring, sample{stage: stage, savedAt: savedAt, processed: processed})

	// Drop samples outside the rate window or from earlier stages.
	cutoff := time.Now().UTC().Add(-rateWindow)
	kept := ring[:0]
	for _, sm := range ring {
		if sm.stage == stage && sm.savedAt.After(cutoff) {
			kept = append(kept, sm)
		}
	}
	s.jobs[jobID] = kept
}

func (s *sampleSet) ratePerMinute(jobID string, stage model.Stage) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.jobs[jobID]
	var first, last *sample
	for i := range ring {
		if ring[i].stage != stage {
			continue
		}
		if first == nil {
			first = &ring[i]
		}
		last = &ring[i]
	}
	if first == nil || last == first {
		return 0
	}
	elapsed := last.savedAt.Sub(first.savedAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.processed-first.processed) / elapsed
}
