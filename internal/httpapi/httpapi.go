// Package httpapi exposes the engine over HTTP: workflow CRUD, run
// submission/status/cancel, a Prometheus /metrics endpoint, and an SSE
// stream of internal/events.Event for external TUIs/exporters, per
// SPEC_FULL.md §16.
//
// Grounded on the teacher's main.go: a plain net/http.ServeMux with no
// framework, the same /health + /v1/workflows + /v1/run shape and the
// same "mount promHandler on /metrics if non-nil" pattern. Generalized
// from the teacher's single in-memory workflowStore and inline sequential
// DAG executor to this repo's internal/store.Store and
// internal/coordinator.Coordinator, and widened from synchronous
// request/response to asynchronous run submission (teacher's /v1/run
// blocks the HTTP request for the whole execution; this repo returns a
// run id immediately and exposes /v1/runs/{id} for polling, since
// SPEC_FULL.md names "run status" as its own endpoint). Cancellation is
// delegated to internal/cancellation.Manager, adapted from the teacher's
// CancellationManager, rather than a bare map kept here.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/taskwave/taskwave/internal/cancellation"
	"github.com/taskwave/taskwave/internal/coordinator"
	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/store"
)

// Server wires the engine's domain packages to HTTP handlers.
type Server struct {
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Bus         *events.Bus
	PromHandler http.Handler
	Cancel      *cancellation.Manager

	runCounter metric.Int64Counter
	runErrors  metric.Int64Counter
	runLatency metric.Float64Histogram
}

// NewServer builds a Server. promHandler and meter may be nil.
func NewServer(st *store.Store, coord *coordinator.Coordinator, bus *events.Bus, promHandler http.Handler, meter metric.Meter) *Server {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("taskwave-httpapi")
	}
	runCounter, _ := meter.Int64Counter("taskwave_workflow_runs_total")
	runErrors, _ := meter.Int64Counter("taskwave_workflow_run_errors_total")
	runLatency, _ := meter.Float64Histogram("taskwave_workflow_duration_ms")

	return &Server{
		Store:       st,
		Coordinator: coord,
		Bus:         bus,
		PromHandler: promHandler,
		Cancel:      cancellation.New(meter),
		runCounter:  runCounter,
		runErrors:   runErrors,
		runLatency:  runLatency,
	}
}

// Shutdown cancels every run still in flight, for use during a graceful
// process shutdown.
func (s *Server) Shutdown(ctx context.Context) int {
	return s.Cancel.CancelAll(ctx, "server shutdown")
}

// Mux builds the routing table. Every route uses Go 1.22+ http.ServeMux
// method and wildcard patterns, so no handler branches on r.Method; the
// teacher's own mux predates that syntax and branches on r.Method inside
// each handler instead.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /v1/workflows", s.handlePutWorkflow)
	mux.HandleFunc("GET /v1/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{name}", s.handleDeleteWorkflow)
	mux.HandleFunc("GET /v1/workflows/{name}/versions", s.handleWorkflowVersions)

	mux.HandleFunc("POST /v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	if s.PromHandler != nil {
		mux.Handle("GET /metrics", s.PromHandler)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	workflows, err := s.Store.ListWorkflows(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if wf.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if err := wf.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := s.Store.PutWorkflow(r.Context(), wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wf, ok, err := s.Store.GetWorkflow(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Store.DeleteWorkflow(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit, _ := pagination(r)
	versions, err := s.Store.GetWorkflowVersions(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type submitRunRequest struct {
	Workflow string `json:"workflow"`
}

type submitRunResponse struct {
	RunID string `json:"run_id"`
}

// handleSubmitRun loads the named workflow and starts a run in a detached
// goroutine, returning the run id immediately so the caller polls
// /v1/runs/{id} for status — unlike the teacher's /v1/run, which blocks
// the HTTP request for the whole execution.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	wf, ok, err := s.Store.GetWorkflow(r.Context(), req.Workflow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	s.Cancel.Register(runID, wf.Name, cancel)

	go func() {
		defer cancel()

		start := time.Now()
		rs, err := s.Coordinator.Run(runCtx, runID, wf)
		if err != nil {
			s.Cancel.Complete(runID, model.StatusFailed)
			s.runErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow", wf.Name)))
			return
		}
		s.Cancel.Complete(runID, rs.OverallStatus(func(taskID string) bool {
			task, ok := wf.TaskByID(taskID)
			return ok && task.ContinueOnError
		}))
		if err := s.Store.PutRun(context.Background(), rs); err != nil {
			s.runErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow", wf.Name)))
			return
		}
		s.runLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("workflow", wf.Name)))
		s.runCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow", wf.Name)))
	}()

	writeJSON(w, http.StatusAccepted, submitRunResponse{RunID: runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Cancel.Cancel(r.Context(), id, "cancelled via API"); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams every events.Event published on s.Bus as
// server-sent events, for external TUIs/exporters, per SPEC_FULL.md §16.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.Bus == nil {
		http.Error(w, "no event bus configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan events.Event, 64)
	var unsubscribe []func()
	for _, kind := range []events.Kind{
		events.KindRunStarted, events.KindWaveStarted, events.KindTaskStarted,
		events.KindTaskAttempt, events.KindTaskOutput, events.KindTaskSucceeded,
		events.KindTaskFailed, events.KindTaskSkipped, events.KindTaskTimedOut,
		events.KindTaskCancelled, events.KindRunCompleted, events.KindRunFailed,
		events.KindRunCancelled,
	} {
		unsubscribe = append(unsubscribe, s.Bus.Subscribe(kind, func(ev events.Event) {
			select {
			case ch <- ev:
			default:
			}
		}))
	}
	defer func() {
		for _, u := range unsubscribe {
			u()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
