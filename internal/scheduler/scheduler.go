// Package scheduler drives cron and event-trigger workflow invocation, per
// SPEC_FULL.md §15. It is explicitly the "invoke the runner; not part of
// the core" collaborator spec.md §1 names: everything here calls into
// internal/coordinator exactly the way an external trigger subsystem
// would, and nothing here is required for the runner itself to function.
//
// Adapted from the teacher's Scheduler in services/orchestrator/
// scheduler.go: same cron-plus-event-handler shape, same bucketSchedules
// persistence and RestoreSchedules-on-startup flow, retargeted at
// internal/coordinator.Coordinator and internal/store.Store instead of the
// teacher's DAGEngine/WorkflowStore/PluginRegistry trio.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskwave/taskwave/internal/coordinator"
	"github.com/taskwave/taskwave/internal/resilience"
	"github.com/taskwave/taskwave/internal/store"
)

// eventHandler tracks every schedule bound to one event type, plus a
// concurrency gate shared by all of them — mirrors the teacher's
// EventHandler.
type eventHandler struct {
	mu        sync.Mutex
	schedules []store.Schedule
	running   map[string]int // workflow name -> in-flight count
	lastTrigger time.Time
}

// Scheduler owns the cron engine and the event-type -> handler registry. It
// persists schedules via Store so RestoreSchedules can rehydrate the cron
// engine after a process restart.
type Scheduler struct {
	cron         *cron.Cron
	store        *store.Store
	coordinator  *coordinator.Coordinator
	limiter      *resilience.RateLimiter

	mu            sync.RWMutex
	eventHandlers map[string]*eventHandler

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Scheduler. limiter may be nil, disabling the extra
// event-trigger rate cap entirely (schedule-level MaxConcurrent still
// applies). meter may be nil.
func New(st *store.Store, coord *coordinator.Coordinator, limiter *resilience.RateLimiter, meter metric.Meter) *Scheduler {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("taskwave-scheduler")
	}
	scheduleRuns, _ := meter.Int64Counter("taskwave_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("taskwave_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("taskwave_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         st,
		coordinator:   coord,
		limiter:       limiter,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("taskwave-scheduler"),
	}
}

// Start begins the cron engine's goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the cron engine, waiting for in-flight jobs to
// return their cron.Cron.Stop() context or for ctx to expire first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out waiting for in-flight jobs")
		return ctx.Err()
	}
}

// AddSchedule registers either a cron-based or an event-based trigger for a
// workflow, persisting it so RestoreSchedules can re-add it later.
func (s *Scheduler) AddSchedule(ctx context.Context, sched store.Schedule) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule", trace.WithAttributes(
		attribute.String("workflow", sched.WorkflowName),
		attribute.String("cron", sched.CronExpr),
	))
	defer span.End()

	switch {
	case sched.CronExpr != "":
		if _, err := s.cron.AddFunc(sched.CronExpr, func() {
			s.executeScheduledWorkflow(context.Background(), sched)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
	case sched.EventType != "":
		s.registerEventHandler(sched)
	default:
		return fmt.Errorf("schedule for %q needs either cron_expr or event_type", sched.WorkflowName)
	}

	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	return nil
}

// RemoveSchedule drops a workflow's event-trigger bindings and its
// persisted record. Cron entries cannot be removed individually by name
// with robfig/cron's API without tracking entry IDs; a disabled schedule
// simply stops being restored on the next RestoreSchedules call, matching
// the teacher's own documented limitation here.
func (s *Scheduler) RemoveSchedule(ctx context.Context, workflowName string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		h.mu.Lock()
		kept := h.schedules[:0]
		for _, sched := range h.schedules {
			if sched.WorkflowName != workflowName {
				kept = append(kept, sched)
			}
		}
		h.schedules = kept
		empty := len(h.schedules) == 0
		h.mu.Unlock()
		if empty {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, workflowName); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	slog.Info("schedule removed", "workflow", workflowName)
	return nil
}

// ListSchedules returns every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// TriggerEvent fans an incoming event out to every schedule bound to
// eventType whose filter matches, launching each match asynchronously and
// subject to both its own MaxConcurrent and the Scheduler's shared
// RateLimiter (if configured).
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(
		attribute.String("event_type", eventType),
	))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		span.AddEvent("no_handlers_registered")
		return nil
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	h.mu.Lock()
	candidates := make([]store.Schedule, len(h.schedules))
	copy(candidates, h.schedules)
	h.mu.Unlock()

	for _, sched := range candidates {
		sched := sched
		if !sched.Enabled || !matchesFilter(eventData, sched.EventFilter) {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			slog.Warn("event-trigger rate limit exceeded, dropping trigger", "workflow", sched.WorkflowName)
			continue
		}

		h.mu.Lock()
		if h.running == nil {
			h.running = make(map[string]int)
		}
		if sched.MaxConcurrent > 0 && h.running[sched.WorkflowName] >= sched.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("max concurrent event-triggered executions reached",
				"workflow", sched.WorkflowName, "max", sched.MaxConcurrent)
			continue
		}
		h.running[sched.WorkflowName]++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func() {
			defer func() {
				h.mu.Lock()
				h.running[sched.WorkflowName]--
				h.mu.Unlock()
			}()
			execCtx := context.Background()
			if sched.TimeoutMS > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, time.Duration(sched.TimeoutMS)*time.Millisecond)
				defer cancel()
			}
			s.executeScheduledWorkflow(execCtx, sched)
		}()
	}

	return nil
}

func (s *Scheduler) executeScheduledWorkflow(ctx context.Context, sched store.Schedule) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute_workflow", trace.WithAttributes(
		attribute.String("workflow", sched.WorkflowName),
	))
	defer span.End()

	start := time.Now()
	wf, found, err := s.store.GetWorkflow(ctx, sched.WorkflowName)
	if err != nil || !found {
		slog.Error("scheduled workflow not available", "workflow", sched.WorkflowName, "error", err, "found", found)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
		return
	}

	runID := uuid.NewString()
	rs, err := s.coordinator.Run(ctx, runID, wf)
	if err != nil {
		slog.Error("scheduled workflow run failed", "workflow", sched.WorkflowName, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
		return
	}

	if err := s.store.PutRun(ctx, rs); err != nil {
		slog.Error("failed to persist scheduled run", "error", err)
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", sched.WorkflowName),
		attribute.String("run_id", runID),
	))
	slog.Info("scheduled workflow completed", "workflow", sched.WorkflowName, "run_id", runID,
		"duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(sched store.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.eventHandlers[sched.EventType]
	if !ok {
		h = &eventHandler{schedules: make([]store.Schedule, 0, 1), running: make(map[string]int)}
		s.eventHandlers[sched.EventType] = h
	}
	h.schedules = append(h.schedules, sched)
}

// matchesFilter reports whether every key in filter is present in data with
// an equal string representation. Empty filter matches everything.
func matchesFilter(data, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := data[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// RestoreSchedules re-adds every enabled, persisted schedule to the cron
// engine / event-handler registry — call once on startup after New.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, sched); err != nil {
			slog.Error("failed to restore schedule", "workflow", sched.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// Stats reports a coarse snapshot for a /health or /metrics endpoint.
type Stats struct {
	CronEntries    int
	EventHandlers  int
	TotalSchedules int
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.cron.Entries())
	for _, h := range s.eventHandlers {
		h.mu.Lock()
		total += len(h.schedules)
		h.mu.Unlock()
	}
	return Stats{
		CronEntries:    len(s.cron.Entries()),
		EventHandlers:  len(s.eventHandlers),
		TotalSchedules: total,
	}
}
