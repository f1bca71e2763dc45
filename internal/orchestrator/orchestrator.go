// Package orchestrator drives harvest jobs through their lifecycle: plan
// validation, unit materialization, stage-by-stage execution, control
// requests, and status snapshots.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/plan"
	"github.com/sells-group/harvest-cli/internal/registry"
	"github.com/sells-group/harvest-cli/internal/resilience"
	"github.com/sells-group/harvest-cli/internal/runner"
	"github.com/sells-group/harvest-cli/internal/session"
	"github.com/sells-group/harvest-cli/internal/stages"
	"github.com/sells-group/harvest-cli/internal/store"
)

var (
	ErrJobNotFound       = eris.New("orchestrator: job not found")
	ErrInvalidPlan       = eris.New("orchestrator: invalid plan")
	ErrInvalidTransition = eris.New("orchestrator: invalid transition")
)

// companyPageSize bounds the company scans used to materialize the
// resolve and financial stages.
const companyPageSize = 500

// Orchestrator owns job lifecycle and execution. One instance serves the
// CLI commands and the control API alike.
type Orchestrator struct {
	store    store.Store
	cfg      *config.Config
	client   registry.Client
	sessions *session.Manager

	rings   *ringSet
	samples *sampleSet
}

// New builds an orchestrator over the shared store, registry client, and
// identity pool.
func New(st store.Store, cfg *config.Config, client registry.Client, sessions *session.Manager) *Orchestrator {
	return &Orchestrator{
		store:    st,
		cfg:      cfg,
		client:   client,
		sessions: sessions,
		rings:    newRingSet(ringCapacity),
		samples:  newSampleSet(),
	}
}

// StartJob validates the plan, creates the job, and materializes the
// first search page of every segment. The job is left running at the
// segment stage; Run performs the actual work.
func (o *Orchestrator) StartJob(ctx context.Context, p *plan.Plan, name string) (string, error) {
	if err := p.Validate(o.cfg.Plan); err != nil {
		return "", eris.Wrap(ErrInvalidPlan, err.Error())
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "orchestrator: marshal plan")
	}
	if name == "" {
		name = p.Name
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Plan:      raw,
		Stage:     model.StageSegment,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.UpsertJob(ctx, job); err != nil {
		return "", eris.Wrap(err, "orchestrator: create job")
	}

	units := make([]model.WorkUnit, 0, len(p.Segments))
	for _, seg := range p.Segments {
		payload, err := json.Marshal(model.SegmentPage{
			IndustryCode: seg.IndustryCode,
			Region:       seg.Region,
			Page:         1,
		})
		if err != nil {
			return "", eris.Wrap(err, "orchestrator: marshal segment page")
		}
		units = append(units, model.WorkUnit{
			JobID:      job.ID,
			Stage:      model.StageSegment,
			NaturalKey: model.PageKey(seg.IndustryCode, seg.Region, 1),
			Payload:    payload,
		})
	}
	if _, err := o.store.CreateUnits(ctx, units); err != nil {
		return "", eris.Wrap(err, "orchestrator: materialize segment units")
	}

	job.Status = model.JobRunning
	job.StartedAt = &now
	job.UpdatedAt = time.Now().UTC()
	if err := o.store.UpsertJob(ctx, job); err != nil {
		return "", eris.Wrap(err, "orchestrator: start job")
	}

	zap.L().Info("job started",
		zap.String("job", job.ID),
		zap.String("name", job.Name),
		zap.Int("segments", len(p.Segments)))
	return job.ID, nil
}

// Action is an operator control request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// Control applies a pause/resume/stop request. Pause and stop set the
// control flag for the process running the job; the runner observes it at
// the next batch boundary. Resume validates the edge and marks the job
// running again; the caller re-enters Run to do the work.
func (o *Orchestrator) Control(ctx context.Context, jobID string, action Action) error {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch action {
	case ActionPause:
		if job.Status != model.JobRunning {
			return eris.Wrapf(ErrInvalidTransition, "pause from %s", job.Status)
		}
		return eris.Wrap(o.store.SetJobControl(ctx, jobID, model.ControlPause), "orchestrator: set pause")

	case ActionStop:
		switch job.Status {
		case model.JobRunning:
			return eris.Wrap(o.store.SetJobControl(ctx, jobID, model.ControlStop), "orchestrator: set stop")
		case model.JobPaused:
			// No runner is watching a paused job; transition directly.
			return o.setStatus(ctx, job, model.JobStopped)
		default:
			return eris.Wrapf(ErrInvalidTransition, "stop from %s", job.Status)
		}

	case ActionResume:
		if !job.Resumable() {
			return eris.Wrapf(ErrInvalidTransition, "resume from %s", job.Status)
		}
		if err := o.store.SetJobControl(ctx, jobID, model.ControlNone); err != nil {
			return eris.Wrap(err, "orchestrator: clear control")
		}
		job.Control = model.ControlNone
		job.LastError = ""
		return o.setStatus(ctx, job, model.JobRunning)

	default:
		return eris.New("orchestrator: unknown action " + string(action))
	}
}

// RestartStage resets the stage's failed units to pending with zeroed
// attempt counters and points the job back at that stage.
func (o *Orchestrator) RestartStage(ctx context.Context, jobID string, stage model.Stage) error {
	if !stage.Valid() {
		return eris.New("orchestrator: unknown stage " + string(stage))
	}
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransition(model.JobRunning) {
		return eris.Wrapf(ErrInvalidTransition, "restart stage from %s", job.Status)
	}

	n, err := o.store.ResetFailed(ctx, jobID, stage)
	if err != nil {
		return eris.Wrap(err, "orchestrator: reset failed units")
	}
	if err := o.store.SetJobControl(ctx, jobID, model.ControlNone); err != nil {
		return eris.Wrap(err, "orchestrator: clear control")
	}

	job.Stage = stage
	job.Control = model.ControlNone
	job.LastError = ""
	if err := o.setStatus(ctx, job, model.JobRunning); err != nil {
		return err
	}
	zap.L().Info("stage restarted",
		zap.String("job", jobID),
		zap.String("stage", string(stage)),
		zap.Int64("reset", n))
	return nil
}

// Run drives the job from its current stage to done. Resumable jobs are
// re-entered in place: the checkpoint restores session state and the
// per-unit statuses decide what is left to do.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.Status == model.JobDone:
		return nil
	case job.Status == model.JobPending || job.Resumable():
		if err := o.store.SetJobControl(ctx, jobID, model.ControlNone); err != nil {
			return eris.Wrap(err, "orchestrator: clear control")
		}
		job.Control = model.ControlNone
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
		if err := o.setStatus(ctx, job, model.JobRunning); err != nil {
			return err
		}
	case job.Status == model.JobRunning:
		// Already marked running (fresh StartJob or crashed process).
	}

	var p plan.Plan
	if err := json.Unmarshal(job.Plan, &p); err != nil {
		return eris.Wrap(err, "orchestrator: decode job plan")
	}

	if cp, err := o.store.LoadCheckpoint(ctx, jobID, job.Stage); err == nil && cp != nil && len(cp.SessionState) > 0 {
		if err := o.sessions.Restore(cp.SessionState); err != nil {
			zap.L().Warn("session restore failed", zap.String("job", jobID), zap.Error(err))
		}
	}

	deps := stages.Deps{
		Store:    o.store,
		Client:   o.client,
		Sessions: o.sessions,
		MaxPages: p.MaxPages,
	}

	for {
		fn, err := o.workFn(deps, job.Stage)
		if err != nil {
			return err
		}

		report, err := o.runStage(ctx, job, &p, fn)
		if err != nil {
			return o.failJob(ctx, job, err)
		}
		if report.Interrupted != model.ControlNone {
			return o.interrupt(ctx, job, report.Interrupted)
		}

		if err := o.advance(ctx, job, &p); err != nil {
			return o.failJob(ctx, job, err)
		}
		if job.Status == model.JobDone {
			return nil
		}
	}
}

func (o *Orchestrator) workFn(deps stages.Deps, stage model.Stage) (runner.WorkFn, error) {
	switch stage {
	case model.StageSegment:
		return stages.Segment(deps), nil
	case model.StageResolve:
		return stages.Resolve(deps), nil
	case model.StageFinancial:
		return stages.Financial(deps), nil
	default:
		return nil, eris.New("orchestrator: unknown stage " + string(stage))
	}
}

func (o *Orchestrator) runStage(ctx context.Context, job *model.Job, p *plan.Plan, fn runner.WorkFn) (*runner.StageReport, error) {
	stageCfg := o.cfg.StageFor(string(job.Stage))
	stageCfg.Concurrency = p.Concurrency(string(job.Stage), stageCfg)

	r := runner.New(o.store, runner.Options{
		BatchSize:  o.cfg.Runner.BatchSize,
		StaleAfter: o.cfg.Runner.StaleAfter(),
		SweepEvery: o.cfg.Runner.SweepEvery(),
		Policy:     o.retryPolicy(),
		Throttle:   runner.NewThrottle(stageCfg, o.cfg.Runner.Cooldown()),
		SessionSnapshot: func() (json.RawMessage, error) {
			return o.sessions.Snapshot()
		},
		OnError: func(ev model.ErrorEvent) {
			o.rings.add(job.ID, ev)
		},
	})
	return r.RunStage(ctx, job, job.Stage, fn)
}

func (o *Orchestrator) retryPolicy() resilience.Policy {
	pol := resilience.DefaultPolicy()
	if o.cfg.Retry.MaxAttempts > 0 {
		pol.MaxAttempts = o.cfg.Retry.MaxAttempts
	}
	if o.cfg.Retry.InitialBackoffMS > 0 {
		pol.InitialBackoff = time.Duration(o.cfg.Retry.InitialBackoffMS) * time.Millisecond
	}
	if o.cfg.Retry.MaxBackoffSecs > 0 {
		pol.MaxBackoff = time.Duration(o.cfg.Retry.MaxBackoffSecs) * time.Second
	}
	return pol
}

// advance gates the finished stage and materializes the next one. The
// materialization is an idempotent insert keyed by natural key, so a
// crash between stages re-runs it harmlessly.
func (o *Orchestrator) advance(ctx context.Context, job *model.Job, p *plan.Plan) error {
	switch job.Stage {
	case model.StageSegment:
		total, err := o.materializeResolve(ctx, job, p)
		if err != nil {
			return err
		}
		job.TotalUnits = total
		job.Stage = model.StageResolve

	case model.StageResolve:
		if _, err := o.materializeFinancial(ctx, job, p); err != nil {
			return err
		}
		job.Stage = model.StageFinancial

	case model.StageFinancial:
		now := time.Now().UTC()
		job.FinishedAt = &now
		job.UpdatedAt = now
		job.Status = model.JobDone
		if err := o.store.UpsertJob(ctx, job); err != nil {
			return eris.Wrap(err, "orchestrator: finish job")
		}
		zap.L().Info("job done", zap.String("job", job.ID))
		return nil
	}

	job.UpdatedAt = time.Now().UTC()
	if err := o.store.UpsertJob(ctx, job); err != nil {
		return eris.Wrap(err, "orchestrator: advance stage")
	}
	zap.L().Info("stage advanced",
		zap.String("job", job.ID),
		zap.String("stage", string(job.Stage)))
	return nil
}

// materializeResolve creates one resolve unit per company discovered in
// the plan's segments.
func (o *Orchestrator) materializeResolve(ctx context.Context, job *model.Job, p *plan.Plan) (int, error) {
	total := 0
	for _, seg := range p.Segments {
		err := o.scanCompanies(ctx, store.CompanyFilter{
			Region:       seg.Region,
			IndustryCode: seg.IndustryCode,
		}, func(batch []model.Company) error {
			units := make([]model.WorkUnit, 0, len(batch))
			for _, c := range batch {
				payload, err := json.Marshal(model.ResolveTask{
					Name:         c.Name,
					City:         c.City,
					Region:       c.Region,
					IndustryCode: c.IndustryCode,
				})
				if err != nil {
					return eris.Wrap(err, "orchestrator: marshal resolve task")
				}
				units = append(units, model.WorkUnit{
					JobID:      job.ID,
					Stage:      model.StageResolve,
					NaturalKey: model.ResolveKey(c.Name, c.Region),
					Payload:    payload,
				})
			}
			total += len(batch)
			_, err := o.store.CreateUnits(ctx, units)
			return eris.Wrap(err, "orchestrator: materialize resolve units")
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// materializeFinancial creates one financial unit per resolved company,
// carrying the plan's fiscal window.
func (o *Orchestrator) materializeFinancial(ctx context.Context, job *model.Job, p *plan.Plan) (int, error) {
	total := 0
	for _, seg := range p.Segments {
		err := o.scanCompanies(ctx, store.CompanyFilter{
			Region:       seg.Region,
			IndustryCode: seg.IndustryCode,
			ResolvedOnly: true,
		}, func(batch []model.Company) error {
			units := make([]model.WorkUnit, 0, len(batch))
			for _, c := range batch {
				payload, err := json.Marshal(model.FinancialTask{
					OrgNumber: c.OrgNumber,
					Name:      c.Name,
					YearFrom:  p.YearFrom,
					YearTo:    p.YearTo,
				})
				if err != nil {
					return eris.Wrap(err, "orchestrator: marshal financial task")
				}
				units = append(units, model.WorkUnit{
					JobID:      job.ID,
					Stage:      model.StageFinancial,
					NaturalKey: c.OrgNumber,
					Payload:    payload,
				})
			}
			total += len(batch)
			_, err := o.store.CreateUnits(ctx, units)
			return eris.Wrap(err, "orchestrator: materialize financial units")
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (o *Orchestrator) scanCompanies(ctx context.Context, filter store.CompanyFilter, visit func([]model.Company) error) error {
	filter.Limit = companyPageSize
	for offset := 0; ; offset += companyPageSize {
		filter.Offset = offset
		batch, err := o.store.ListCompanies(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "orchestrator: scan companies")
		}
		if len(batch) == 0 {
			return nil
		}
		if err := visit(batch); err != nil {
			return err
		}
		if len(batch) < companyPageSize {
			return nil
		}
	}
}

// interrupt records the control flag the runner observed and settles the
// job into its resting state.
func (o *Orchestrator) interrupt(ctx context.Context, job *model.Job, flag model.ControlFlag) error {
	target := model.JobPaused
	if flag == model.ControlStop {
		target = model.JobStopped
	}
	if err := o.store.SetJobControl(ctx, job.ID, model.ControlNone); err != nil {
		return eris.Wrap(err, "orchestrator: clear control")
	}
	job.Control = model.ControlNone
	if err := o.setStatus(ctx, job, target); err != nil {
		return err
	}
	zap.L().Info("job interrupted",
		zap.String("job", job.ID),
		zap.String("status", string(target)))
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *model.Job, cause error) error {
	job.LastError = cause.Error()
	if err := o.setStatus(ctx, job, model.JobError); err != nil {
		zap.L().Error("mark job errored", zap.String("job", job.ID), zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) setStatus(ctx context.Context, job *model.Job, to model.JobStatus) error {
	if !job.Status.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", job.Status, to)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	return eris.Wrapf(o.store.UpsertJob(ctx, job), "orchestrator: job %s -> %s", job.ID, to)
}

// Jobs lists jobs for the CLI and control API.
func (o *Orchestrator) Jobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	return o.store.ListJobs(ctx, filter)
}

func (o *Orchestrator) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(ErrJobNotFound, jobID)
		}
		return nil, eris.Wrap(err, "orchestrator: load job")
	}
	return job, nil
}
