// Package cancellation tracks in-flight runs so they can be cancelled by
// id and so a graceful shutdown can stop every active run at once.
//
// Adapted from the teacher's CancellationManager in
// services/orchestrator/cancellation.go: same register/cancel/complete
// lifecycle and a periodic Cleanup sweep (here over cancelled entries),
// retargeted at this repo's model.ExecutionStatus instead of the
// teacher's own duplicate ExecutionStatus enum (ExecutionRunning/
// ExecutionCompleted/...), and at a run id instead of the teacher's
// workflow id (one workflow definition can have many concurrent runs
// here, unlike the teacher's one-execution-per-workflow-id model).
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskwave/taskwave/internal/model"
)

// Tracking is one registered run's cancellation state.
type Tracking struct {
	RunID        string
	WorkflowName string
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	Status       model.ExecutionStatus
}

// Manager tracks every run currently executing so it can be cancelled by
// id, listed, or swept for shutdown.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Tracking

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Manager. meter may be nil.
func New(meter metric.Meter) *Manager {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("taskwave-cancellation")
	}
	cancellations, _ := meter.Int64Counter("taskwave_run_cancellations_total")
	return &Manager{
		active:        make(map[string]*Tracking),
		cancellations: cancellations,
		tracer:        otel.Tracer("taskwave-cancellation"),
	}
}

// Register tracks runID as running, so Cancel can later find it.
func (m *Manager) Register(runID, workflowName string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[runID] = &Tracking{RunID: runID, WorkflowName: workflowName, CancelFunc: cancel, Status: model.StatusRunning}
}

// Cancel invokes the registered CancelFunc for runID and marks it
// cancelled. Returns an error if runID isn't currently running.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", reason),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[runID]
	if !ok {
		return fmt.Errorf("run not found or already finished: %s", runID)
	}
	if t.Status != model.StatusRunning {
		return fmt.Errorf("run is not running: %s (status: %s)", runID, t.Status)
	}

	t.CancelFunc()
	t.CancelReason = reason
	t.CancelledAt = time.Now()
	t.Status = model.StatusCancelled

	m.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", t.WorkflowName),
		attribute.String("reason", reason),
	))
	span.AddEvent("run_cancelled")
	return nil
}

// Complete marks runID's terminal status, for status queries after the run
// finishes. It records no timestamp, so Cleanup does not evict a run that
// finished without being cancelled.
func (m *Manager) Complete(runID string, status model.ExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[runID]; ok {
		t.Status = status
	}
}

// GetStatus reports a tracked run's status, if it's still tracked.
func (m *Manager) GetStatus(runID string) (model.ExecutionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[runID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// ListActive returns every run still in StatusRunning.
func (m *Manager) ListActive() []*Tracking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := make([]*Tracking, 0, len(m.active))
	for _, t := range m.active {
		if t.Status == model.StatusRunning {
			active = append(active, t)
		}
	}
	return active
}

// Cleanup evicts cancelled entries whose CancelledAt is older than
// retention, returning the count removed. Entries that were never
// cancelled are not evicted, whatever their status.
func (m *Manager) Cleanup(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for runID, t := range m.active {
		if t.Status == model.StatusRunning {
			continue
		}
		completedAt := t.CancelledAt
		if completedAt.IsZero() {
			continue
		}
		if now.Sub(completedAt) > retention {
			delete(m.active, runID)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup every interval until ctx is done.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(retention)
		}
	}
}

// CancelAll cancels every still-running entry, for graceful shutdown, and
// returns how many were cancelled.
func (m *Manager) CancelAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := 0
	for runID, t := range m.active {
		if t.Status == model.StatusRunning {
			t.CancelFunc()
			t.CancelReason = reason
			t.CancelledAt = time.Now()
			t.Status = model.StatusCancelled
			m.cancellations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("workflow", t.WorkflowName),
				attribute.String("reason", reason),
			))
			cancelled++
		}
		delete(m.active, runID)
	}
	return cancelled
}

// Stats returns a snapshot of tracked run counts by status, keyed the way
// an operator dashboard would display them.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]int{"total": len(m.active), "running": 0, "cancelled": 0, "other": 0}
	for _, t := range m.active {
		switch t.Status {
		case model.StatusRunning:
			stats["running"]++
		case model.StatusCancelled:
			stats["cancelled"]++
		default:
			stats["other"]++
		}
	}
	return stats
}
