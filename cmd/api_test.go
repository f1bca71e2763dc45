package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/monitoring"
	"github.com/sells-group/harvest-cli/internal/orchestrator"
	"github.com/sells-group/harvest-cli/internal/registry"
	"github.com/sells-group/harvest-cli/internal/session"
	"github.com/sells-group/harvest-cli/internal/store"
)

// fakeRegistry serves an empty registry: every segment page is the last
// one and holds no companies, so jobs run to done immediately.
type fakeRegistry struct{}

func (fakeRegistry) Authenticate(ctx context.Context, ident model.NetworkIdentity) (string, error) {
	return "tok", nil
}

func (fakeRegistry) SearchPage(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
	return &model.SegmentResult{}, nil
}

func (fakeRegistry) Lookup(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error) {
	return nil, registry.ErrNoMatch
}

func (fakeRegistry) Filings(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]registry.FilingRef, error) {
	return nil, nil
}

func (fakeRegistry) FilingDetail(ctx context.Context, ident model.NetworkIdentity, ref registry.FilingRef) (*model.FinancialRecord, error) {
	return nil, nil
}

func testAPIConfig() *config.Config {
	return &config.Config{
		Plan: config.PlanConfig{
			MaxSegments:   5000,
			MaxPages:      500,
			MinFiscalYear: 2000,
			MaxFiscalSpan: 10,
		},
		Stages: config.StagesConfig{
			Segment:   config.StageConfig{Concurrency: 4, IntervalMS: 1, Burst: 4},
			Resolve:   config.StageConfig{Concurrency: 4, IntervalMS: 1, Burst: 4},
			Financial: config.StageConfig{Concurrency: 4, IntervalMS: 1, Burst: 4},
		},
		Runner:     config.RunnerConfig{BatchSize: 10, StaleAfterSecs: 600},
		Retry:      config.RetryConfig{MaxAttempts: 2, InitialBackoffMS: 1, MaxBackoffSecs: 1},
		Session:    config.SessionConfig{RotateAfter: 100000, AcquireTimeoutSecs: 1},
		Monitoring: config.MonitoringConfig{LookbackHours: 24},
		Server:     config.ServerConfig{CORSOrigins: []string{"http://localhost:3000"}},
	}
}

func newTestAPI(t *testing.T) (*apiServer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	c := testAPIConfig()
	sessions := session.NewManager(c.Session, nil)
	env := &engineEnv{
		Store:    st,
		Sessions: sessions,
		Orch:     orchestrator.New(st, c, fakeRegistry{}, sessions),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	api := newAPIServer(ctx, env, monitoring.NewCollector(st, c.Runner.StaleAfter()), c)
	t.Cleanup(api.wait)
	return api, st
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_Health(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_StartJob_RunsToDone(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp := postJSON(t, srv, "/api/jobs", map[string]any{
		"name": "empty-segment",
		"plan": map[string]any{
			"name":      "empty-segment",
			"segments":  []map[string]string{{"industry_code": "41.200", "region": "46"}},
			"max_pages": 10,
			"year_from": 2022,
			"year_to":   2024,
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody[map[string]string](t, resp)["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/jobs/" + jobID)
		if err != nil {
			return false
		}
		snap := decodeBody[orchestrator.Snapshot](t, r)
		return snap.Status == model.JobDone
	}, 5*time.Second, 20*time.Millisecond, "background run should finish the empty job")
}

func TestAPI_StartJob_InvalidPlan(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp := postJSON(t, srv, "/api/jobs", map[string]any{
		"plan": map[string]any{"name": "empty"},
	})
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_StartJob_MalformedBody(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_JobNotFound(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ListJobs(t *testing.T) {
	api, st := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	now := time.Now().UTC()
	require.NoError(t, st.UpsertJob(context.Background(), &model.Job{
		ID: "job-1", Name: "listed", Stage: model.StageSegment,
		Status: model.JobPaused, CreatedAt: now, UpdatedAt: now,
	}))

	resp, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decodeBody[[]model.Job](t, resp)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
}

func TestAPI_PauseRequiresRunning(t *testing.T) {
	api, st := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	now := time.Now().UTC()
	require.NoError(t, st.UpsertJob(context.Background(), &model.Job{
		ID: "job-done", Stage: model.StageFinancial, Status: model.JobDone,
		CreatedAt: now, UpdatedAt: now,
	}))

	resp := postJSON(t, srv, "/api/jobs/job-done/pause", nil)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_RestartStage_UnknownStage(t *testing.T) {
	api, st := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	now := time.Now().UTC()
	require.NoError(t, st.UpsertJob(context.Background(), &model.Job{
		ID: "job-1", Stage: model.StageResolve, Status: model.JobPaused,
		CreatedAt: now, UpdatedAt: now,
	}))

	resp := postJSON(t, srv, "/api/jobs/job-1/restart-stage", map[string]string{"stage": "reticulate"})
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	api, st := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	now := time.Now().UTC()
	require.NoError(t, st.UpsertJob(context.Background(), &model.Job{
		ID: "job-1", Stage: model.StageSegment, Status: model.JobRunning,
		CreatedAt: now, UpdatedAt: now,
	}))

	resp, err := http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[monitoring.MetricsSnapshot](t, resp)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, 1, snap.JobsRunning)
}

func TestAPI_CORSHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
