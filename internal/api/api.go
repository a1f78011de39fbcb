// Package api is the HTTP surface of the orchestrator, grounded on the
// teacher's services/orchestrator/main.go mux (pipeline registration, run
// triggering, health) generalized from the teacher's single in-process
// workflowStore to the Backend abstraction so the same handlers work
// unmodified against the in-memory, Redis or BoltDB store.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/corelib/resilience"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/scheduler"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// Server wires the Backend and Engine into an http.Handler.
type Server struct {
	backend   backend.Backend
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	log       *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*resilience.RateLimiter

	runsTriggered metric.Int64Counter
	apiErrors     metric.Int64Counter
	rateLimited   metric.Int64Counter
}

// New builds a Server. sched may be nil if schedule-triggered pipelines are
// not in use (the scheduler is only needed to arm a newly registered
// pipeline's cron schedule).
func New(b backend.Backend, e *engine.Engine, sched *scheduler.Scheduler, log *slog.Logger, meter metric.Meter) *Server {
	triggered, _ := meter.Int64Counter("pipelinetool_api_runs_triggered_total")
	errs, _ := meter.Int64Counter("pipelinetool_api_errors_total")
	limited, _ := meter.Int64Counter("pipelinetool_api_runs_rate_limited_total")
	return &Server{
		backend: b, engine: e, scheduler: sched, log: log,
		limiters:      make(map[string]*resilience.RateLimiter),
		runsTriggered: triggered, apiErrors: errs, rateLimited: limited,
	}
}

// limiterFor returns pipelineName's trigger-rate limiter, creating one on
// first use: 5 run-trigger requests/sec sustained, burst of 10, capped at
// 120 triggers per fixed one-minute window — generous enough for manual triggers and
// catchup bursts while still bounding a misbehaving caller.
func (s *Server) limiterFor(pipelineName string) *resilience.RateLimiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[pipelineName]
	if !ok {
		l = resilience.NewRateLimiter(10, 5, time.Minute, 120)
		s.limiters[pipelineName] = l
	}
	return l
}

// Mux returns the routed HTTP handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/pipelines", s.handlePipelines)
	mux.HandleFunc("/v1/pipelines/", s.handlePipelineSubtree)
	mux.HandleFunc("/v1/runs/", s.handleGetRun)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// pipelineDoc is the JSON wire shape for POST/GET /v1/pipelines.
type pipelineDoc struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	DefaultTasks []task.Task     `json:"default_tasks"`
	DefaultEdges []task.Edge     `json:"default_edges"`
	Options      backend.Options `json:"options"`
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createPipeline(w, r)
	case http.MethodGet:
		s.listPipelines(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var doc pipelineDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.badRequest(w, "malformed pipeline document")
		return
	}
	if doc.Name == "" {
		s.badRequest(w, "name required")
		return
	}
	p := backend.Pipeline{
		Name:         doc.Name,
		Path:         doc.Path,
		DefaultTasks: doc.DefaultTasks,
		DefaultEdges: doc.DefaultEdges,
		Options:      doc.Options,
	}
	if path, found := engine.DetectCycle(p.DefaultTasks, p.DefaultEdges); found {
		s.badRequest(w, fmt.Sprintf("pipeline has a cycle: %v", path))
		return
	}
	if err := s.backend.PutPipeline(r.Context(), p); err != nil {
		s.serverError(r.Context(), w, "store pipeline", err)
		return
	}
	if s.scheduler != nil && p.Options.Schedule != "" {
		if err := s.scheduler.AddPipeline(r.Context(), p.Name); err != nil {
			s.log.Error("arm schedule", "pipeline", p.Name, "error", err)
		}
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	names, err := s.backend.ListPipelines(r.Context())
	if err != nil {
		s.serverError(r.Context(), w, "list pipelines", err)
		return
	}
	_ = json.NewEncoder(w).Encode(names)
}

// handlePipelineSubtree dispatches /v1/pipelines/{name} and
// /v1/pipelines/{name}/runs.
func (s *Server) handlePipelineSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/pipelines/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if name, ok := strings.CutSuffix(rest, "/runs"); ok {
		s.handleTriggerRun(w, r, name)
		return
	}
	s.handleGetPipeline(w, r, rest)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok, err := s.backend.GetPipeline(r.Context(), name)
	if err != nil {
		s.serverError(r.Context(), w, "get pipeline", err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(pipelineDoc{
		Name: p.Name, Path: p.Path, DefaultTasks: p.DefaultTasks, DefaultEdges: p.DefaultEdges, Options: p.Options,
	})
}

type triggerRequest struct {
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	TriggerParams any        `json:"trigger_params,omitempty"`
}

type triggerResponse struct {
	RunID        int64  `json:"run_id"`
	PipelineName string `json:"pipeline_name"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request, pipelineName string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, "malformed trigger body")
			return
		}
	}
	if _, ok, err := s.backend.GetPipeline(r.Context(), pipelineName); err != nil {
		s.serverError(r.Context(), w, "load pipeline", err)
		return
	} else if !ok {
		http.NotFound(w, r)
		return
	}

	if !s.limiterFor(pipelineName).Allow() {
		s.rateLimited.Add(r.Context(), 1, metric.WithAttributes(attribute.String("pipeline", pipelineName)))
		http.Error(w, "too many run-trigger requests for this pipeline", http.StatusTooManyRequests)
		return
	}

	scheduledDate := time.Now().UTC()
	if req.ScheduledDate != nil {
		scheduledDate = req.ScheduledDate.UTC()
	}

	run, err := s.engine.EnqueueRun(r.Context(), pipelineName, scheduledDate, req.TriggerParams)
	if err != nil {
		s.serverError(r.Context(), w, "enqueue run", err)
		return
	}
	s.runsTriggered.Add(r.Context(), 1, metric.WithAttributes(attribute.String("pipeline", pipelineName)))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(triggerResponse{RunID: run.RunID, PipelineName: run.PipelineName})
}

type taskView struct {
	Task   task.Task     `json:"task"`
	Status task.Status   `json:"status"`
	Result *task.Result  `json:"result,omitempty"`
}

type runView struct {
	Run   task.Run   `json:"run"`
	Tasks []taskView `json:"tasks"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	runID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.badRequest(w, "run_id must be an integer")
		return
	}
	run, ok, err := s.backend.GetRun(r.Context(), runID)
	if err != nil {
		s.serverError(r.Context(), w, "get run", err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	tasks, err := s.backend.GetAllTasks(r.Context(), runID)
	if err != nil {
		s.serverError(r.Context(), w, "get tasks", err)
		return
	}
	view := runView{Run: run, Tasks: make([]taskView, 0, len(tasks))}
	for _, t := range tasks {
		status, err := s.backend.GetTaskStatus(r.Context(), runID, t.ID)
		if err != nil {
			s.serverError(r.Context(), w, "get task status", err)
			return
		}
		tv := taskView{Task: t, Status: status}
		if result, ok, err := s.backend.GetTaskResult(r.Context(), runID, t.ID); err == nil && ok {
			tv.Result = &result
		}
		view.Tasks = append(view.Tasks, tv)
	}
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func (s *Server) serverError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	s.apiErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	s.log.Error(op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
