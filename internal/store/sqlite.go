package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/harvest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. SQLite serializes
// writers, so the claim draw is atomic without row locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	plan            TEXT,
	stage           TEXT NOT NULL DEFAULT 'segment',
	status          TEXT NOT NULL DEFAULT 'pending',
	control         TEXT NOT NULL DEFAULT '',
	processed_count INTEGER NOT NULL DEFAULT 0,
	total_units     INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	started_at      DATETIME,
	finished_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS work_units (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	stage           TEXT NOT NULL,
	natural_key     TEXT NOT NULL,
	payload         TEXT,
	result          TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error_kind TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	claimed_at      DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	UNIQUE (job_id, stage, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_work_units_draw ON work_units(job_id, stage, status, id);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	stage           TEXT NOT NULL,
	marker          TEXT NOT NULL DEFAULT '{}',
	processed_count INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	session_state   TEXT,
	saved_at        DATETIME NOT NULL,
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
	created_at      DATETIME NOT NULL,
	cooled_until    DATETIME
);

CREATE TABLE IF NOT EXISTS error_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	unit_key    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	retryable   INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 0,
	occurred_at DATETIME NOT NULL
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
	match_score   REAL NOT NULL DEFAULT 0,
	discovered_at DATETIME NOT NULL,
	resolved_at   DATETIME,
	PRIMARY KEY (name_key, region)
);

CREATE INDEX IF NOT EXISTS idx_companies_org ON companies(org_number);

CREATE TABLE IF NOT EXISTS financial_records (
	org_number        TEXT NOT NULL,
	fiscal_year       INTEGER NOT NULL,
	currency          TEXT NOT NULL DEFAULT '',
	revenue           INTEGER NOT NULL DEFAULT 0,
	operating_profit  INTEGER NOT NULL DEFAULT 0,
	profit_before_tax INTEGER NOT NULL DEFAULT 0,
	equity            INTEGER NOT NULL DEFAULT 0,
	employees         INTEGER NOT NULL DEFAULT 0,
	fetched_at        DATETIME NOT NULL,
	PRIMARY KEY (org_number, fiscal_year)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- jobs ---

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, plan, stage, status, control, processed_count, total_units,
			error_count, last_error, created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, plan = excluded.plan, stage = excluded.stage,
			status = excluded.status, control = excluded.control,
			processed_count = excluded.processed_count, total_units = excluded.total_units,
			error_count = excluded.error_count, last_error = excluded.last_error,
			updated_at = excluded.updated_at, started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		job.ID, job.Name, jsonText(job.Plan), string(job.Stage), string(job.Status),
		string(job.Control), job.ProcessedCount, job.TotalUnits, job.ErrorCount,
		job.LastError, job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert job %s", job.ID)
}

const sqliteJobColumns = `id, name, plan, stage, status, control, processed_count, total_units,
	error_count, last_error, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var plan sql.NullString
	var stage, status, control string
	var started, finished sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &plan, &stage, &status, &control,
		&j.ProcessedCount, &j.TotalUnits, &j.ErrorCount, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	if plan.Valid {
		j.Plan = []byte(plan.String)
	}
	j.Stage = model.Stage(stage)
	j.Status = model.JobStatus(status)
	j.Control = model.ControlFlag(control)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs rows")
}

func (s *SQLiteStore) SetJobControl(ctx context.Context, jobID string, flag model.ControlFlag) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET control = ?, updated_at = ? WHERE id = ?`,
		string(flag), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set control %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// --- work units ---

const sqliteUnitColumns = `id, job_id, stage, natural_key, payload, result, status, attempt_count,
	last_error_kind, last_error, claimed_at, created_at, updated_at`

func (s *SQLiteStore) CreateUnits(ctx context.Context, units []model.WorkUnit) (int64, error) {
	if len(units) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create units begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO work_units (job_id, stage, natural_key, payload, result, status,
			attempt_count, last_error_kind, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, stage, natural_key) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create units prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var created int64
	for _, u := range units {
		status := u.Status
		if status == "" {
			status = model.UnitPending
		}
		res, err := stmt.ExecContext(ctx,
			u.JobID, string(u.Stage), u.NaturalKey, jsonText(u.Payload), jsonText(u.Result),
			string(status), u.AttemptCount, string(u.LastErrorKind), u.LastError, now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: create unit %s", u.NaturalKey)
		}
		n, _ := res.RowsAffected()
		created += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: create units commit")
	}
	return created, nil
}

func (s *SQLiteStore) UpsertWorkUnit(ctx context.Context, unit *model.WorkUnit) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_units (job_id, stage, natural_key, payload, result, status,
			attempt_count, last_error_kind, last_error, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, stage, natural_key) DO UPDATE SET
			payload = excluded.payload, result = excluded.result, status = excluded.status,
			attempt_count = excluded.attempt_count, last_error_kind = excluded.last_error_kind,
			last_error = excluded.last_error, claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at`,
		unit.JobID, string(unit.Stage), unit.NaturalKey, jsonText(unit.Payload),
		jsonText(unit.Result), string(unit.Status), unit.AttemptCount,
		string(unit.LastErrorKind), unit.LastError, nullTime(unit.ClaimedAt), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert unit %s", unit.NaturalKey)
}

func scanSQLiteUnits(rows *sql.Rows) ([]model.WorkUnit, error) {
	defer rows.Close()

	var units []model.WorkUnit
	for rows.Next() {
		var u model.WorkUnit
		var payload, result sql.NullString
		var stage, status, kind string
		var claimed sql.NullTime
		if err := rows.Scan(&u.ID, &u.JobID, &stage, &u.NaturalKey, &payload, &result,
			&status, &u.AttemptCount, &kind, &u.LastError, &claimed,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			u.Payload = json.RawMessage(payload.String)
		}
		if result.Valid {
			u.Result = json.RawMessage(result.String)
		}
		u.Stage = model.Stage(stage)
		u.Status = model.UnitStatus(status)
		u.LastErrorKind = model.ErrorKind(kind)
		u.ClaimedAt = timePtr(claimed)
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE work_units SET status = 'inflight', claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM work_units
			WHERE job_id = ? AND stage = ? AND status = 'pending'
			ORDER BY id LIMIT ?
		)
		RETURNING `+sqliteUnitColumns,
		now, now, jobID, string(stage), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim pending")
	}
	units, err := scanSQLiteUnits(rows)
	return units, eris.Wrap(err, "sqlite: claim pending scan")
}

func (s *SQLiteStore) ListPending(ctx context.Context, jobID string, stage model.Stage, limit int) ([]model.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteUnitColumns+` FROM work_units
		WHERE job_id = ? AND stage = ? AND status = 'pending'
		ORDER BY id LIMIT ?`,
		jobID, string(stage), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	units, err := scanSQLiteUnits(rows)
	return units, eris.Wrap(err, "sqlite: list pending scan")
}

func (s *SQLiteStore) ListStaleInFlight(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) ([]model.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteUnitColumns+` FROM work_units
		WHERE job_id = ? AND stage = ? AND status = 'inflight' AND claimed_at < ?
		ORDER BY id`,
		jobID, string(stage), olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale inflight")
	}
	units, err := scanSQLiteUnits(rows)
	return units, eris.Wrap(err, "sqlite: list stale inflight scan")
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, jobID string, stage model.Stage, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE job_id = ? AND stage = ? AND status = 'inflight' AND claimed_at < ?`,
		time.Now().UTC(), jobID, string(stage), olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim stale")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) ResetFailed(ctx context.Context, jobID string, stage model.Stage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET status = 'pending', attempt_count = 0, last_error_kind = '',
			last_error = '', claimed_at = NULL, updated_at = ?
		WHERE job_id = ? AND stage = ? AND status = 'failed'`,
		time.Now().UTC(), jobID, string(stage),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) CountUnits(ctx context.Context, jobID string, stage model.Stage) (map[model.UnitStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_units
		WHERE job_id = ? AND stage = ?
		GROUP BY status`,
		jobID, string(stage),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count units")
	}
	defer rows.Close()

	counts := make(map[model.UnitStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unit count")
		}
		counts[model.UnitStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count units rows")
}

func (s *SQLiteStore) ListUnits(ctx context.Context, filter UnitFilter) ([]model.WorkUnit, error) {
	var conds []string
	var args []any
	if filter.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ErrorKind != "" {
		conds = append(conds, "last_error_kind = ?")
		args = append(args, string(filter.ErrorKind))
	}

	query := `SELECT ` + sqliteUnitColumns + ` FROM work_units`
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list units")
	}
	units, err := scanSQLiteUnits(rows)
	return units, eris.Wrap(err, "sqlite: list units scan")
}

// --- checkpoints ---

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	marker, err := json.Marshal(cp.Marker)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal marker")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, stage, marker, processed_count, error_count, session_state, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, stage) DO UPDATE SET
			marker = excluded.marker, processed_count = excluded.processed_count,
			error_count = excluded.error_count, session_state = excluded.session_state,
			saved_at = excluded.saved_at`,
		cp.JobID, string(cp.Stage), string(marker), cp.ProcessedCount, cp.ErrorCount,
		jsonText(cp.SessionState), cp.SavedAt,
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s/%s", cp.JobID, cp.Stage)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID string, stage model.Stage) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var st, marker string
	var sessionState sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, stage, marker, processed_count, error_count, session_state, saved_at
		FROM checkpoints WHERE job_id = ? AND stage = ?`,
		jobID, string(stage),
	).Scan(&cp.JobID, &st, &marker, &cp.ProcessedCount, &cp.ErrorCount, &sessionState, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s/%s", jobID, stage)
	}
	cp.Stage = model.Stage(st)
	if sessionState.Valid {
		cp.SessionState = json.RawMessage(sessionState.String)
	}
	if err := json.Unmarshal([]byte(marker), &cp.Marker); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal marker")
	}
	return &cp, nil
}

// --- error events ---

func (s *SQLiteStore) InsertErrorEvent(ctx context.Context, ev *model.ErrorEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_events (job_id, stage, unit_key, kind, retryable, message, attempt, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, string(ev.Stage), ev.UnitKey, string(ev.Kind), ev.Retryable,
		ev.Message, ev.Attempt, ev.OccurredAt,
	)
	return eris.Wrap(err, "sqlite: insert error event")
}

func (s *SQLiteStore) ListErrorEvents(ctx context.Context, jobID string, limit int) ([]model.ErrorEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, unit_key, kind, retryable, message, attempt, occurred_at
		FROM error_events WHERE job_id = ?
		ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list error events")
	}
	defer rows.Close()

	var events []model.ErrorEvent
	for rows.Next() {
		var ev model.ErrorEvent
		var stage, kind string
		if err := rows.Scan(&ev.ID, &ev.JobID, &stage, &ev.UnitKey, &kind,
			&ev.Retryable, &ev.Message, &ev.Attempt, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error event")
		}
		ev.Stage = model.Stage(stage)
		ev.Kind = model.ErrorKind(kind)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list error events rows")
}

// --- identities ---

func (s *SQLiteStore) UpsertIdentity(ctx context.Context, ident *model.NetworkIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, label, proxy_url, user_agent, state, requests_served,
			failure_count, rotate_after, created_at, cooled_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label, proxy_url = excluded.proxy_url,
			user_agent = excluded.user_agent, state = excluded.state,
			requests_served = excluded.requests_served, failure_count = excluded.failure_count,
			rotate_after = excluded.rotate_after, cooled_until = excluded.cooled_until`,
		ident.ID, ident.Label, ident.ProxyURL, ident.UserAgent, string(ident.State),
		ident.RequestsServed, ident.FailureCount, ident.RotateAfter, ident.CreatedAt,
		nullTime(ident.CooledUntil),
	)
	return eris.Wrapf(err, "sqlite: upsert identity %s", ident.ID)
}

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]model.NetworkIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, proxy_url, user_agent, state, requests_served, failure_count,
			rotate_after, created_at, cooled_until
		FROM identities ORDER BY label, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list identities")
	}
	defer rows.Close()

	var idents []model.NetworkIdentity
	for rows.Next() {
		var id model.NetworkIdentity
		var state string
		var cooled sql.NullTime
		if err := rows.Scan(&id.ID, &id.Label, &id.ProxyURL, &id.UserAgent, &state,
			&id.RequestsServed, &id.FailureCount, &id.RotateAfter, &id.CreatedAt,
			&cooled); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identity")
		}
		id.State = model.IdentityState(state)
		id.CooledUntil = timePtr(cooled)
		idents = append(idents, id)
	}
	return idents, eris.Wrap(rows.Err(), "sqlite: list identities rows")
}

// --- harvested output ---

func (s *SQLiteStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	if len(companies) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO companies (name_key, region, org_number, name, city, industry_code,
			segment_key, match_score, discovered_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name_key, region) DO UPDATE SET
			name = excluded.name, city = excluded.city,
			industry_code = excluded.industry_code, segment_key = excluded.segment_key`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, c := range companies {
		if _, err := stmt.ExecContext(ctx,
			c.NameKey, c.Region, c.OrgNumber, c.Name, c.City, c.IndustryCode,
			c.SegmentKey, c.MatchScore, c.DiscoveredAt, nullTime(c.ResolvedAt),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert company %s", c.NameKey)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies commit")
	}
	return n, nil
}

func (s *SQLiteStore) MarkCompanyResolved(ctx context.Context, nameKey, region, orgNumber string, score float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE companies SET org_number = ?, match_score = ?, resolved_at = ?
		WHERE name_key = ? AND region = ?`,
		orgNumber, score, at, nameKey, region,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark resolved %s", nameKey)
	}
	return checkRowsAffected(res, "company", nameKey)
}

func (s *SQLiteStore) UpsertFinancials(ctx context.Context, records []model.FinancialRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert financials begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO financial_records (org_number, fiscal_year, currency, revenue,
			operating_profit, profit_before_tax, equity, employees, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_number, fiscal_year) DO UPDATE SET
			currency = excluded.currency, revenue = excluded.revenue,
			operating_profit = excluded.operating_profit,
			profit_before_tax = excluded.profit_before_tax, equity = excluded.equity,
			employees = excluded.employees, fetched_at = excluded.fetched_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert financials prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.OrgNumber, r.FiscalYear, r.Currency, r.Revenue, r.OperatingProfit,
			r.ProfitBeforeTax, r.Equity, r.Employees, r.FetchedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert financial %s/%d", r.OrgNumber, r.FiscalYear)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert financials commit")
	}
	return n, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error) {
	var conds []string
	var args []any
	if filter.Region != "" {
		conds = append(conds, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.IndustryCode != "" {
		conds = append(conds, "industry_code = ?")
		args = append(args, filter.IndustryCode)
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		var resolved sql.NullTime
		if err := rows.Scan(&c.NameKey, &c.Region, &c.OrgNumber, &c.Name, &c.City,
			&c.IndustryCode, &c.SegmentKey, &c.MatchScore, &c.DiscoveredAt,
			&resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		c.ResolvedAt = timePtr(resolved)
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "sqlite: list companies rows")
}

func (s *SQLiteStore) ListFinancials(ctx context.Context, orgNumbers []string) ([]model.FinancialRecord, error) {
	query := `SELECT org_number, fiscal_year, currency, revenue, operating_profit,
		profit_before_tax, equity, employees, fetched_at FROM financial_records`
	var args []any
	if len(orgNumbers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orgNumbers)), ",")
		query += ` WHERE org_number IN (` + placeholders + `)`
		for _, org := range orgNumbers {
			args = append(args, org)
		}
	}
	query += ` ORDER BY org_number, fiscal_year`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list financials")
	}
	defer rows.Close()

	var records []model.FinancialRecord
	for rows.Next() {
		var r model.FinancialRecord
		if err := rows.Scan(&r.OrgNumber, &r.FiscalYear, &r.Currency, &r.Revenue,
			&r.OperatingProfit, &r.ProfitBeforeTax, &r.Equity, &r.Employees,
			&r.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan financial record")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list financials rows")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

// jsonText maps raw JSON to a nullable TEXT value.
func jsonText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
