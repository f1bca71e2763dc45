// Package monitoring gathers store-backed health metrics across jobs and
// raises webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/store"
)

// errorEventScan bounds how many recent error events are tallied per job.
const errorEventScan = 1000

// JobMetrics is the per-job slice of a snapshot.
type JobMetrics struct {
	JobID          string  `json:"job_id"`
	Name           string  `json:"name"`
	Stage          string  `json:"stage"`
	Status         string  `json:"status"`
	ProcessedCount int     `json:"processed_count"`
	TotalUnits     int     `json:"total_units"`
	FailedUnits    int     `json:"failed_units"`
	StaleUnits     int     `json:"stale_units"`
	UnitsPerMinute float64 `json:"units_per_minute"`
}

// IdentityPoolMetrics summarizes the outbound identity pool.
type IdentityPoolMetrics struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Cooling        int `json:"cooling"`
	Burned         int `json:"burned"`
	RequestsServed int `json:"requests_served"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	Jobs        []JobMetrics        `json:"jobs"`
	JobsRunning int                 `json:"jobs_running"`
	JobsErrored int                 `json:"jobs_errored"`

	// Error-kind tallies across all jobs within the lookback window.
	ErrorKinds  map[model.ErrorKind]int `json:"error_kinds"`
	TotalErrors int                     `json:"total_errors"`

	Identities IdentityPoolMetrics `json:"identities"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
}

// NewCollector creates a metrics collector. staleAfter is the in-flight
// age beyond which a unit counts as stale, normally the runner's own
// reclaim threshold.
func NewCollector(st store.Store, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter}
}

// Collect gathers a snapshot over the given lookback window. Jobs not
// touched within the window are skipped; identity pool health is always
// current.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		ErrorKinds:    make(map[model.ErrorKind]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, job := range jobs {
		if job.UpdatedAt.Before(cutoff) {
			continue
		}
		jm, err := c.collectJob(ctx, now, cutoff, job)
		if err != nil {
			return nil, err
		}
		snap.Jobs = append(snap.Jobs, *jm)
		switch job.Status {
		case model.JobRunning:
			snap.JobsRunning++
		case model.JobError:
			snap.JobsErrored++
		}

		events, err := c.store.ListErrorEvents(ctx, job.ID, errorEventScan)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list error events")
		}
		for _, ev := range events {
			if ev.OccurredAt.Before(cutoff) {
				continue
			}
			snap.ErrorKinds[ev.Kind]++
			snap.TotalErrors++
		}
	}

	idents, err := c.store.ListIdentities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list identities")
	}
	for _, id := range idents {
		snap.Identities.Total++
		snap.Identities.RequestsServed += id.RequestsServed
		switch id.State {
		case model.IdentityActive:
			snap.Identities.Active++
		case model.IdentityCooling:
			snap.Identities.Cooling++
		case model.IdentityBurned:
			snap.Identities.Burned++
		}
	}

	return snap, nil
}

func (c *Collector) collectJob(ctx context.Context, now, cutoff time.Time, job model.Job) (*JobMetrics, error) {
	jm := &JobMetrics{
		JobID:          job.ID,
		Name:           job.Name,
		Stage:          string(job.Stage),
		Status:         string(job.Status),
		ProcessedCount: job.ProcessedCount,
		TotalUnits:     job.TotalUnits,
	}

	staleCutoff := now.Add(-c.staleAfter)
	for _, stage := range model.Stages {
		counts, err := c.store.CountUnits(ctx, job.ID, stage)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count units %s/%s", job.ID, stage)
		}
		jm.FailedUnits += counts[model.UnitFailed]

		stale, err := c.store.ListStaleInFlight(ctx, job.ID, stage, staleCutoff)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: stale units %s/%s", job.ID, stage)
		}
		jm.StaleUnits += len(stale)
	}

	if job.StartedAt != nil && job.ProcessedCount > 0 {
		end := now
		if job.FinishedAt != nil {
			end = *job.FinishedAt
		}
		if minutes := end.Sub(*job.StartedAt).Minutes(); minutes > 0 {
			jm.UnitsPerMinute = float64(job.ProcessedCount) / minutes
		}
	}
	return jm, nil
}
