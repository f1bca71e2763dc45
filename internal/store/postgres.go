package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/harvest-cli/internal/db"
	"github.com/sells-group/harvest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for subsystems that need direct query
// access (monitoring aggregates).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// migrationLockKey serializes concurrent Migrate calls across processes.
const migrationLockKey = 7420471

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	plan            JSONB,
	stage           TEXT NOT NULL DEFAULT 'segment',
	status          TEXT NOT NULL DEFAULT 'pending',
	control         TEXT NOT NULL DEFAULT '',
	processed_count INTEGER NOT NULL DEFAULT 0,
	total_units     INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS work_units (
	id              BIGSERIAL PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	stage           TEXT NOT NULL,
	natural_key     TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error_kind TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	claimed_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, stage, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_work_units_draw ON work_units(job_id, stage, status, id);
CREATE INDEX IF NOT EXISTS idx_work_units_claimed ON work_units(job_id, stage, claimed_at) WHERE status = 'inflight';

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	stage           TEXT NOT NULL,
	marker          JSONB NOT NULL DEFAULT '{}',
	processed_count INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	session_state   JSONB,
	saved_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, stage)
);

CREATE TABLE IF NOT EXISTS identities (
	id              TEXT PRIMARY KEY,
	label           TEXT NOT NULL DEFAULT '',
	proxy_url       TEXT NOT NULL DEFAULT '',
	user_agent      TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT 'active',
	requests_served INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	rotate_after    INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	cooled_until    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS error_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	unit_key    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	retryable   BOOLEAN NOT NULL DEFAULT false,
	message     TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 0,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_error_events_job ON error_events(job_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS companies (
	name_key      TEXT NOT NULL,
	region        TEXT NOT NULL,
	org_number    TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	city          TEXT NOT NULL DEFAULT '',
	industry_code TEXT NOT NULL DEFAULT '',
	segment_key   TEXT NOT NULL DEFAULT '',
	match_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at   TIMESTAMPTZ,
	PRIMARY KEY (name_key, region)
);

CREATE INDEX IF NOT EXISTS idx_companies_org ON companies(org_number) WHERE org_number <> '';
CREATE INDEX IF NOT EXISTS idx_companies_segment ON companies(segment_key);

CREATE TABLE IF NOT EXISTS financial_records (
	org_number        TEXT NOT NULL,
	fiscal_year       INTEGER NOT NULL,
	currency          TEXT NOT NULL DEFAULT '',
	revenue           BIGINT NOT NULL DEFAULT 0,
	operating_profit  BIGINT NOT NULL DEFAULT 0,
	profit_before_tax BIGINT NOT NULL DEFAULT 0,
	equity            BIGINT NOT NULL DEFAULT 0,
	employees         INTEGER NOT NULL DEFAULT 0,
	fetched_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_number, fiscal_year)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey) //nolint:errcheck

	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- jobs ---

const jobColumns = `id, name, plan, stage, status, control, processed_count, total_units,
	error_count, last_error, created_at, updated_at, started_at, finished_at`

func (s *PostgresStore) UpsertJob(ctx context.Context, job *model.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, plan, stage, status, control, processed_count, total_units,
			error_count, last_error, created_at, updated_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, plan = EXCLUDED.plan, stage = EXCLUDED.stage,
			status = EXCLUDED.status, control = EXCLUDED.control,
			processed_count = EXCLUDED.processed_count, total_units = EXCLUDED.total_units,
			error_count = EXCLUDED.error_count, last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at, started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		job.ID, job.Name, nullableJSON(job.Plan), string(job.Stage), string(job.Status),
		string(job.Control), job.ProcessedCount, job.TotalUnits, job.ErrorCount,
		job.LastError, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: upsert job %s", job.ID)
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var stage, status, control string
	err := row.Scan(&j.ID, &j.Name, &j.Plan, &stage, &status, &control,
		&j.ProcessedCount, &j.TotalUnits, &j.ErrorCount, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Stage = model.Stage(stage)
	j.Status = model.JobStatus(status)
	j.Control = model.ControlFlag(control)
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs rows")
}

func (s *PostgresStore) SetJobControl(ctx context.Context, jobID string, flag model.ControlFlag) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET control = $1, updated_at = $2 WHERE id = $3`,
		string(flag), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set control %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

// --- work units ---

const unitColumns = `id, job_id, stage, natural_key, payload, result, status, attempt_count,
	last_error_kind, last_error, claimed_at, created_at, updated_at`

var unitInsertColumns = []string{
	"job_id", "stage", "natural_key", "payload", "result", "status",
	"attempt_count", "last_error_kind", "last_error", "created_at", "updated_at",
}

func (s *PostgresStore) CreateUnits(ctx context.Context, units []model.WorkUnit) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(units))
	for _, u := range units {
		status := u.Status
		if status == "" {
			status = model.UnitPending
		}
		rows = append(rows, []any{
			u.JobID, string(u.Stage), u.NaturalKey, nullableJSON(u.Payload),
			nullableJSON(u.Result), string(status), u.AttemptCount,
			string(u.LastErrorKind), u.LastError, now, now,
		})
	}

	n, err := db.BulkInsertMissing(ctx, s.pool, db.UpsertConfig{
		Table:        "work_units",
		Columns:      unitInsertColumns,
		ConflictKeys: []string{"job_id", "stage", "natural_key"},
	}, rows)
	return n, eris.Wrap(err, "postgres: create units")
}

func (s *PostgresStore) UpsertWorkUnit(ctx context.Context, unit *model.WorkUnit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_units (job_id, stage, natural_key, payload, result, status,
			attempt_count, last_error_kind, last_error, claimed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (job_id, stage, natural_key) DO UPDATE SET
			payload = EXCLUDED.payload, result = EXCLUDED.result, status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count, last_error_kind = EXCLUDED.last_error_kind,
			last_error = EXCLUDED.last_error, claimed_at = EXCLUDED.claimed_at,
			updated_at = EXCLUDED.updated_at`,
		unit.JobID, string(unit.Stage), unit.NaturalKey, nullableJSON(unit.Payload),
		nullableJSON(unit.Result), string(unit.Status), unit.AttemptCount,
		string(unit.LastErrorKind), unit.LastError, unit.ClaimedAt, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert unit %s", unit.NaturalKey)
}

func scanUnits(rows pgx.Rows) ([]model.WorkUnit, error) {
	defer rows.Close()

	var units []model.WorkUnit
	for rows.Next() {
		var u model.WorkUnit
		var stage, status, kind string
		if err := rows.Scan(&u.ID, &u.JobID, &stage, &u.NaturalKey, &u.Payload, &u.Result,
			&status, &u.AttemptCount, &kind, &u.LastError, &u.ClaimedAt,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Stage = model.Stage(stage)
		u.Status = model.UnitStatus(status)
		u.LastErrorKind = model.ErrorKind(kind)
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *PostgresStore) ClaimPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE work_units SET status = 'inflight', claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM work_units
			WHERE job_id = $1 AND stage = $2 AND status = 'pending'
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+unitColumns,
		jobID, string(stage), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim pending")
	}
	units, err := scanUnits(rows)
	return units, eris.Wrap(err, "postgres: claim pending scan")
}

func (s *PostgresStore) ListPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+unitColumns+` FROM work_units
		WHERE job_id = $1 AND stage = $2 AND status = 'pending'
		ORDER BY id LIMIT $3`,
		jobID, string(stage), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending")
	}
	units, err := scanUnits(rows)
	return units, eris.Wrap(err, "postgres: list pending scan")
}

func (s *PostgresStore) ListStaleInFlight(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) ([]model.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+unitColumns+` FROM work_units
		WHERE job_id = $1 AND stage = $2 AND status = 'inflight' AND claimed_at < $3
		ORDER BY id`,
		jobID, string(stage), olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale inflight")
	}
	units, err := scanUnits(rows)
	return units, eris.Wrap(err, "postgres: list stale inflight scan")
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_units SET status = 'pending', claimed_at = NULL, updated_at = now()
		WHERE job_id = $1 AND stage = $2 AND status = 'inflight' AND claimed_at < $3`,
		jobID, string(stage), olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim stale")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ResetFailed(ctx context.Context, jobID string, stage model.Stage) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_units SET status = 'pending', attempt_count = 0, last_error_kind = '',
			last_error = '', claimed_at = NULL, updated_at = now()
		WHERE job_id = $1 AND stage = $2 AND status = 'failed'`,
		jobID, string(stage),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountUnits(ctx context.Context, jobID string, stage model.Stage) (map[model.UnitStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM work_units
		WHERE job_id = $1 AND stage = $2
		GROUP BY status`,
		jobID, string(stage),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count units")
	}
	defer rows.Close()

	counts := make(map[model.UnitStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit count")
		}
		counts[model.UnitStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count units rows")
}

func (s *PostgresStore) ListUnits(ctx context.Context, filter UnitFilter) ([]model.WorkUnit, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.JobID != "" {
		add("job_id = $%d", filter.JobID)
	}
	if filter.Stage != "" {
		add("stage = $%d", string(filter.Stage))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ErrorKind != "" {
		add("last_error_kind = $%d", string(filter.ErrorKind))
	}

	query := `SELECT ` + unitColumns + ` FROM work_units`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list units")
	}
	units, err := scanUnits(rows)
	return units, eris.Wrap(err, "postgres: list units scan")
}

// --- checkpoints ---

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	marker, err := json.Marshal(cp.Marker)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal marker")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (job_id, stage, marker, processed_count, error_count, session_state, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, stage) DO UPDATE SET
			marker = EXCLUDED.marker, processed_count = EXCLUDED.processed_count,
			error_count = EXCLUDED.error_count, session_state = EXCLUDED.session_state,
			saved_at = EXCLUDED.saved_at`,
		cp.JobID, string(cp.Stage), marker, cp.ProcessedCount, cp.ErrorCount,
		nullableJSON(cp.SessionState), cp.SavedAt,
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s/%s", cp.JobID, cp.Stage)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, jobID string, stage model.Stage) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var st string
	var marker []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, stage, marker, processed_count, error_count, session_state, saved_at
		FROM checkpoints WHERE job_id = $1 AND stage = $2`,
		jobID, string(stage),
	).Scan(&cp.JobID, &st, &marker, &cp.ProcessedCount, &cp.ErrorCount, &cp.SessionState, &cp.SavedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s/%s", jobID, stage)
	}
	cp.Stage = model.Stage(st)
	if len(marker) > 0 {
		if err := json.Unmarshal(marker, &cp.Marker); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal marker")
		}
	}
	return &cp, nil
}

// --- error events ---

func (s *PostgresStore) InsertErrorEvent(ctx context.Context, ev *model.ErrorEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_events (job_id, stage, unit_key, kind, retryable, message, attempt, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.JobID, string(ev.Stage), ev.UnitKey, string(ev.Kind), ev.Retryable,
		ev.Message, ev.Attempt, ev.OccurredAt,
	)
	return eris.Wrap(err, "postgres: insert error event")
}

func (s *PostgresStore) ListErrorEvents(ctx context.Context, jobID string, limit int) ([]model.ErrorEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, unit_key, kind, retryable, message, attempt, occurred_at
		FROM error_events WHERE job_id = $1
		ORDER BY occurred_at DESC, id DESC LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list error events")
	}
	defer rows.Close()

	var events []model.ErrorEvent
	for rows.Next() {
		var ev model.ErrorEvent
		var stage, kind string
		if err := rows.Scan(&ev.ID, &ev.JobID, &stage, &ev.UnitKey, &kind,
			&ev.Retryable, &ev.Message, &ev.Attempt, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan error event")
		}
		ev.Stage = model.Stage(stage)
		ev.Kind = model.ErrorKind(kind)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list error events rows")
}

// --- identities ---

func (s *PostgresStore) UpsertIdentity(ctx context.Context, ident *model.NetworkIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, label, proxy_url, user_agent, state, requests_served,
			failure_count, rotate_after, created_at, cooled_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label, proxy_url = EXCLUDED.proxy_url,
			user_agent = EXCLUDED.user_agent, state = EXCLUDED.state,
			requests_served = EXCLUDED.requests_served, failure_count = EXCLUDED.failure_count,
			rotate_after = EXCLUDED.rotate_after, cooled_until = EXCLUDED.cooled_until`,
		ident.ID, ident.Label, ident.ProxyURL, ident.UserAgent, string(ident.State),
		ident.RequestsServed, ident.FailureCount, ident.RotateAfter, ident.CreatedAt,
		ident.CooledUntil,
	)
	return eris.Wrapf(err, "postgres: upsert identity %s", ident.ID)
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]model.NetworkIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, label, proxy_url, user_agent, state, requests_served, failure_count,
			rotate_after, created_at, cooled_until
		FROM identities ORDER BY label, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list identities")
	}
	defer rows.Close()

	var idents []model.NetworkIdentity
	for rows.Next() {
		var id model.NetworkIdentity
		var state string
		if err := rows.Scan(&id.ID, &id.Label, &id.ProxyURL, &id.UserAgent, &state,
			&id.RequestsServed, &id.FailureCount, &id.RotateAfter, &id.CreatedAt,
			&id.CooledUntil); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity")
		}
		id.State = model.IdentityState(state)
		idents = append(idents, id)
	}
	return idents, eris.Wrap(rows.Err(), "postgres: list identities rows")
}

// --- harvested output ---

func (s *PostgresStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	rows := make([][]any, 0, len(companies))
	for _, c := range companies {
		rows = append(rows, []any{
			c.NameKey, c.Region, c.OrgNumber, c.Name, c.City, c.IndustryCode,
			c.SegmentKey, c.MatchScore, c.DiscoveredAt, c.ResolvedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "companies",
		Columns: []string{"name_key", "region", "org_number", "name", "city",
			"industry_code", "segment_key", "match_score", "discovered_at", "resolved_at"},
		ConflictKeys: []string{"name_key", "region"},
		// Discovery is additive: re-seeing a company must not blank out a
		// resolution already won.
		UpdateCols: []string{"name", "city", "industry_code", "segment_key"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert companies")
}

func (s *PostgresStore) MarkCompanyResolved(ctx context.Context, nameKey, region, orgNumber string, score float64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE companies SET org_number = $1, match_score = $2, resolved_at = $3
		WHERE name_key = $4 AND region = $5`,
		orgNumber, score, at, nameKey, region,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark resolved %s", nameKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: company %s/%s", nameKey, region)
	}
	return nil
}

func (s *PostgresStore) UpsertFinancials(ctx context.Context, records []model.FinancialRecord) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.OrgNumber, r.FiscalYear, r.Currency, r.Revenue, r.OperatingProfit,
			r.ProfitBeforeTax, r.Equity, r.Employees, r.FetchedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "financial_records",
		Columns: []string{"org_number", "fiscal_year", "currency", "revenue",
			"operating_profit", "profit_before_tax", "equity", "employees", "fetched_at"},
		ConflictKeys: []string{"org_number", "fiscal_year"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert financials")
}

func (s *PostgresStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Region != "" {
		add("region = $%d", filter.Region)
	}
	if filter.IndustryCode != "" {
		add("industry_code = $%d", filter.IndustryCode)
	}
	if filter.ResolvedOnly {
		conds = append(conds, "org_number <> ''")
	}

	query := `SELECT name_key, region, org_number, name, city, industry_code, segment_key,
		match_score, discovered_at, resolved_at FROM companies`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY name_key`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.NameKey, &c.Region, &c.OrgNumber, &c.Name, &c.City,
			&c.IndustryCode, &c.SegmentKey, &c.MatchScore, &c.DiscoveredAt,
			&c.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: list companies rows")
}

func (s *PostgresStore) ListFinancials(ctx context.Context, orgNumbers []string) ([]model.FinancialRecord, error) {
	query := `SELECT org_number, fiscal_year, currency, revenue, operating_profit,
		profit_before_tax, equity, employees, fetched_at FROM financial_records`
	var args []any
	if len(orgNumbers) > 0 {
		query += ` WHERE org_number = ANY($1)`
		args = append(args, orgNumbers)
	}
	query += ` ORDER BY org_number, fiscal_year`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list financials")
	}
	defer rows.Close()

	var records []model.FinancialRecord
	for rows.Next() {
		var r model.FinancialRecord
		if err := rows.Scan(&r.OrgNumber, &r.FiscalYear, &r.Currency, &r.Revenue,
			&r.OperatingProfit, &r.ProfitBeforeTax, &r.Equity, &r.Employees,
			&r.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan financial record")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list financials rows")
}

// nullableJSON maps empty raw JSON to NULL so JSONB columns never hold ''.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
