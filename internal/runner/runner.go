package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/resilience"
	"github.com/sells-group/harvest-cli/internal/store"
)

// WorkFn performs one unit of stage work and returns its serialized
// result. Returning resilience.ErrSkip records the unit as skipped.
type WorkFn func(ctx context.Context, unit model.WorkUnit) (json.RawMessage, error)

// Options tunes a stage run.
type Options struct {
	BatchSize  int
	StaleAfter time.Duration
	SweepEvery time.Duration
	Policy     resilience.Policy
	Throttle   *Throttle

	// SessionSnapshot, when set, is captured into every checkpoint.
	SessionSnapshot func() (json.RawMessage, error)
	// OnError receives every classified failure, for the job's error ring.
	OnError func(model.ErrorEvent)
}

// StageReport summarizes one RunStage call.
type StageReport struct {
	Done        int
	Skipped     int
	Failed      int
	Interrupted model.ControlFlag // set when a pause/stop request ended the run early
}

// StageRunner drives the claim/dispatch/checkpoint loop for one stage.
type StageRunner struct {
	store store.Store
	opts  Options
}

// New builds a StageRunner.
func New(st store.Store, opts Options) *StageRunner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &StageRunner{store: st, opts: opts}
}

// RunStage processes the stage's units until none remain pending or in
// flight, a pause/stop request arrives at a batch boundary, or a fatal
// failure aborts the run. The report is non-nil even on error.
func (r *StageRunner) RunStage(ctx context.Context, job *model.Job, stage model.Stage, fn WorkFn) (*StageReport, error) {
	log := zap.L().With(zap.String("job", job.ID), zap.String("stage", string(stage)))
	report := &StageReport{}

	if _, err := r.reclaim(ctx, job.ID, stage); err != nil {
		return report, err
	}
	stopSweep := r.startSweep(ctx, job.ID, stage)
	defer stopSweep()

	var mu sync.Mutex // guards report counters and lastKey
	var lastKey string

	for {
		if ctx.Err() != nil {
			return report, eris.Wrap(ctx.Err(), "runner: stage canceled")
		}

		// Control flags take effect here, never mid-unit.
		current, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			return report, eris.Wrap(err, "runner: reload job")
		}
		if current.Control == model.ControlPause || current.Control == model.ControlStop {
			report.Interrupted = current.Control
			log.Info("stage interrupted at batch boundary", zap.String("control", string(current.Control)))
			return report, r.checkpoint(ctx, job.ID, stage, lastKey, report)
		}

		batch, err := r.store.ClaimPending(ctx, job.ID, stage, r.opts.BatchSize)
		if err != nil {
			return report, eris.Wrap(err, "runner: claim batch")
		}
		if len(batch) == 0 {
			counts, err := r.store.CountUnits(ctx, job.ID, stage)
			if err != nil {
				return report, eris.Wrap(err, "runner: count units")
			}
			if counts[model.UnitInFlight] == 0 {
				break
			}
			// Another claimant (or a not-yet-stale crash remnant) holds
			// units; wait for the sweep to return them.
			select {
			case <-ctx.Done():
				return report, eris.Wrap(ctx.Err(), "runner: stage canceled")
			case <-time.After(time.Second):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Throttle.Concurrency())
		for _, unit := range batch {
			g.Go(func() error {
				outcome, err := r.process(gctx, unit, fn)
				if err != nil {
					return err
				}
				mu.Lock()
				switch outcome {
				case model.UnitDone:
					report.Done++
				case model.UnitSkipped:
					report.Skipped++
				case model.UnitFailed:
					report.Failed++
				}
				lastKey = unit.NaturalKey
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			cpErr := r.checkpoint(ctx, job.ID, stage, lastKey, report)
			if cpErr != nil {
				log.Warn("checkpoint after abort failed", zap.Error(cpErr))
			}
			return report, err
		}

		if err := r.checkpoint(ctx, job.ID, stage, lastKey, report); err != nil {
			return report, err
		}
	}

	log.Info("stage complete",
		zap.Int("done", report.Done),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, r.checkpoint(ctx, job.ID, stage, lastKey, report)
}

// process runs one claimed unit under the retry policy and persists its
// terminal status. A nil outcome error keeps the stage going; an error
// aborts the whole stage (fatal classification).
func (r *StageRunner) process(ctx context.Context, unit model.WorkUnit, fn WorkFn) (model.UnitStatus, error) {
	var result json.RawMessage
	attempt := 0

	policy := r.opts.Policy
	policy.OnRetry = resilience.RetryLogger("runner", string(unit.Stage))

	attempts, err := resilience.Do(ctx, policy, func(ctx context.Context) error {
		if err := r.opts.Throttle.Wait(ctx); err != nil {
			return err
		}
		attempt++
		res, err := fn(ctx, unit)
		if err != nil {
			r.recordFailure(unit, attempt, err)
			return err
		}
		result = res
		r.opts.Throttle.OnSuccess()
		return nil
	})

	unit.AttemptCount += attempts

	switch {
	case err == nil:
		unit.Status = model.UnitDone
		unit.Result = result
		unit.LastErrorKind = ""
		unit.LastError = ""
	case errors.Is(err, resilience.ErrSkip):
		unit.Status = model.UnitSkipped
		unit.LastErrorKind = ""
		unit.LastError = ""
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Leave the unit in flight; the stale sweep returns it to pending.
		return "", nil
	default:
		cls := resilience.Classify(err)
		unit.Status = model.UnitFailed
		unit.LastErrorKind = cls.Kind
		unit.LastError = err.Error()
		if cls.Kind == model.ErrKindFatal {
			if perr := r.store.UpsertWorkUnit(ctx, &unit); perr != nil {
				zap.L().Error("persist failed unit", zap.String("unit", unit.NaturalKey), zap.Error(perr))
			}
			return "", eris.Wrapf(err, "runner: fatal failure on unit %s", unit.NaturalKey)
		}
	}

	if perr := r.store.UpsertWorkUnit(ctx, &unit); perr != nil {
		return "", eris.Wrapf(perr, "runner: persist unit %s", unit.NaturalKey)
	}
	return unit.Status, nil
}

// recordFailure classifies one failed attempt, appends the error event,
// and nudges the throttle on back-pressure.
func (r *StageRunner) recordFailure(unit model.WorkUnit, attempt int, err error) {
	if errors.Is(err, resilience.ErrSkip) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	cls := resilience.Classify(err)
	if cls.Kind == model.ErrKindRateLimited {
		r.opts.Throttle.OnRateLimited()
	}

	ev := model.ErrorEvent{
		JobID:      unit.JobID,
		Stage:      unit.Stage,
		UnitKey:    unit.NaturalKey,
		Kind:       cls.Kind,
		Retryable:  cls.Retryable,
		Message:    err.Error(),
		Attempt:    unit.AttemptCount + attempt,
		OccurredAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ierr := r.store.InsertErrorEvent(ctx, &ev); ierr != nil {
		zap.L().Warn("record error event", zap.Error(ierr))
	}
	if r.opts.OnError != nil {
		r.opts.OnError(ev)
	}
}

// checkpoint overwrites the stage's resume snapshot and refreshes the job
// row's progress counters from unit tallies.
func (r *StageRunner) checkpoint(ctx context.Context, jobID string, stage model.Stage, lastKey string, report *StageReport) error {
	counts, err := r.store.CountUnits(ctx, jobID, stage)
	if err != nil {
		return eris.Wrap(err, "runner: checkpoint counts")
	}

	cp := &model.Checkpoint{
		JobID:          jobID,
		Stage:          stage,
		Marker:         model.Marker{LastNaturalKey: lastKey},
		ProcessedCount: counts[model.UnitDone] + counts[model.UnitSkipped],
		ErrorCount:     counts[model.UnitFailed],
		SavedAt:        time.Now().UTC(),
	}
	if r.opts.SessionSnapshot != nil {
		snap, err := r.opts.SessionSnapshot()
		if err != nil {
			zap.L().Warn("session snapshot failed", zap.Error(err))
		} else {
			cp.SessionState = snap
		}
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		return eris.Wrap(err, "runner: save checkpoint")
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "runner: reload job for progress")
	}
	job.ProcessedCount = cp.ProcessedCount
	job.ErrorCount = cp.ErrorCount
	job.UpdatedAt = time.Now().UTC()
	return eris.Wrap(r.store.UpsertJob(ctx, job), "runner: update job progress")
}

func (r *StageRunner) reclaim(ctx context.Context, jobID string, stage model.Stage) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.opts.StaleAfter)
	n, err := r.store.ReclaimStale(ctx, jobID, stage, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "runner: reclaim stale")
	}
	if n > 0 {
		zap.L().Info("reclaimed stale units",
			zap.String("job", jobID),
			zap.String("stage", string(stage)),
			zap.Int64("count", n))
	}
	return n, nil
}

// startSweep runs the stale-reclaim sweep on a jittered ticker for the
// duration of the stage, so long stages recover crashed claims without
// waiting for the next stage entry.
func (r *StageRunner) startSweep(ctx context.Context, jobID string, stage model.Stage) func() {
	if r.opts.SweepEvery <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	ticker := jitterbug.New(r.opts.SweepEvery, &jitterbug.Norm{Stdev: r.opts.SweepEvery / 10})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.reclaim(ctx, jobID, stage); err != nil {
					zap.L().Warn("sweep reclaim failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
