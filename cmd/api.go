package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/monitoring"
	"github.com/sells-group/harvest-cli/internal/orchestrator"
	"github.com/sells-group/harvest-cli/internal/plan"
	"github.com/sells-group/harvest-cli/internal/store"
)

// apiServer is the HTTP control surface. Jobs started or resumed through
// the API run on background goroutines owned by the server; shutdown
// waits for them via the run group.
type apiServer struct {
	env       *engineEnv
	collector *monitoring.Collector
	cfg       *config.Config

	runCtx context.Context
	runs   sync.WaitGroup
}

func newAPIServer(runCtx context.Context, env *engineEnv, collector *monitoring.Collector, cfg *config.Config) *apiServer {
	return &apiServer{env: env, collector: collector, cfg: cfg, runCtx: runCtx}
}

func (s *apiServer) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleStartJob)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/pause", s.handleControl(orchestrator.ActionPause))
		r.Post("/jobs/{id}/resume", s.handleResume)
		r.Post("/jobs/{id}/stop", s.handleControl(orchestrator.ActionStop))
		r.Post("/jobs/{id}/restart-stage", s.handleRestartStage)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

// wait blocks until all background job runs have finished.
func (s *apiServer) wait() {
	s.runs.Wait()
}

// runJob runs a job on a background goroutine tied to the server's run
// context, not the request's.
func (s *apiServer) runJob(jobID string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if err := s.env.Orch.Run(s.runCtx, jobID); err != nil {
			zap.L().Error("background run failed", zap.String("job", jobID), zap.Error(err))
		}
	}()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.env.Orch.Jobs(r.Context(), store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string    `json:"name"`
		Plan plan.Plan `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.env.Orch.StartJob(r.Context(), &req.Plan, req.Name)
	if err != nil {
		if eris.Is(err, orchestrator.ErrInvalidPlan) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.runJob(jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *apiServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.env.Orch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *apiServer) handleControl(action orchestrator.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if err := s.env.Orch.Control(r.Context(), jobID, action); err != nil {
			writeOrchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "action": string(action)})
	}
}

// handleResume clears the control flag and re-enters the run loop
// in-process.
func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.env.Orch.Control(r.Context(), jobID, orchestrator.ActionResume); err != nil {
		writeOrchError(w, err)
		return
	}
	s.runJob(jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "action": "resume"})
}

func (s *apiServer) handleRestartStage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.Stage(req.Stage).Valid() {
		writeError(w, http.StatusBadRequest, "unknown stage")
		return
	}

	jobID := chi.URLParam(r, "id")
	if err := s.env.Orch.RestartStage(r.Context(), jobID, model.Stage(req.Stage)); err != nil {
		writeOrchError(w, err)
		return
	}
	s.runJob(jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "stage": req.Stage})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.cfg.Monitoring.LookbackHours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeOrchError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case eris.Is(err, orchestrator.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case eris.Is(err, orchestrator.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
