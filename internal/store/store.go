// Package store persists jobs, work units, checkpoints, identities, error
// events, and the harvested company/financial rows. Two engines implement
// the same contract: Postgres (pgx) and SQLite (modernc, pure Go).
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/harvest-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// UnitFilter specifies criteria for listing work units.
type UnitFilter struct {
	JobID     string           `json:"job_id,omitempty"`
	Stage     model.Stage      `json:"stage,omitempty"`
	Status    model.UnitStatus `json:"status,omitempty"`
	ErrorKind model.ErrorKind  `json:"error_kind,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// CompanyFilter specifies criteria for listing harvested companies.
type CompanyFilter struct {
	Region       string `json:"region,omitempty"`
	IndustryCode string `json:"industry_code,omitempty"`
	ResolvedOnly bool   `json:"resolved_only,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// Store defines the persistence contract for the harvest engine.
type Store interface {
	// Jobs
	UpsertJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	SetJobControl(ctx context.Context, jobID string, flag model.ControlFlag) error

	// Work units. CreateUnits is idempotent: rows whose (job, stage,
	// natural key) already exist are left untouched, so re-materializing a
	// stage after a crash never resets finished units. ClaimPending is the
	// atomic Pending->InFlight batch draw; a unit is claimed by exactly one
	// caller.
	CreateUnits(ctx context.Context, units []model.WorkUnit) (int64, error)
	UpsertWorkUnit(ctx context.Context, unit *model.WorkUnit) error
	ClaimPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error)
	ListPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error)
	ListStaleInFlight(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) ([]model.WorkUnit, error)
	ReclaimStale(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) (int64, error)
	ResetFailed(ctx context.Context, jobID string, stage model.Stage) (int64, error)
	CountUnits(ctx context.Context, jobID string, stage model.Stage) (map[model.UnitStatus]int, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]model.WorkUnit, error)

	// Checkpoints: one row per (job, stage), overwritten on save.
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string, stage model.Stage) (*model.Checkpoint, error)

	// Error events, append-only.
	InsertErrorEvent(ctx context.Context, ev *model.ErrorEvent) error
	ListErrorEvents(ctx context.Context, jobID string, limit int) ([]model.ErrorEvent, error)

	// Identities, mirrored for operator inspection.
	UpsertIdentity(ctx context.Context, ident *model.NetworkIdentity) error
	ListIdentities(ctx context.Context) ([]model.NetworkIdentity, error)

	// Harvested output.
	UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error)
	MarkCompanyResolved(ctx context.Context, nameKey, region, orgNumber string, score float64, at time.Time) error
	UpsertFinancials(ctx context.Context, records []model.FinancialRecord) (int64, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error)
	ListFinancials(ctx context.Context, orgNumbers []string) ([]model.FinancialRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
