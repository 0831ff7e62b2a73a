package model

import (
	"sync"
	"time"
)

// TaskOutput is the disjoint result shape of a completed task, per
// spec.md §3. Exactly one of Stdout/RawBytes/FilePath is populated,
// selected by the task's OutputSpec.Kind.
type TaskOutput struct {
	Stdout   string `json:"stdout,omitempty"`
	RawBytes []byte `json:"raw_bytes,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// TaskRecord is the orchestrator's bookkeeping for one task across its
// attempts within a single run.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Attempt     int             `json:"attempt"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Output      TaskOutput      `json:"output"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
}

// Duration reports the record's wall-clock duration.
func (r TaskRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunState is the accumulating, authoritative record of a single run's task
// outcomes, per spec.md §3. All mutation goes through the orchestrator,
// which serializes writes with mu; readers see a consistent snapshot.
type RunState struct {
	RunID        string
	WorkflowName string
	StartedAt    time.Time
	EndedAt      time.Time
	Cancelled    bool

	mu      sync.RWMutex
	records map[string]TaskRecord
}

// NewRunState creates an empty RunState for the given run.
func NewRunState(runID, workflowName string) *RunState {
	return &RunState{
		RunID:        runID,
		WorkflowName: workflowName,
		StartedAt:    time.Now(),
		records:      make(map[string]TaskRecord),
	}
}

// Set records or overwrites the outcome of a task.
func (rs *RunState) Set(rec TaskRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.records[rec.TaskID] = rec
}

// Get returns the current record for a task.
func (rs *RunState) Get(taskID string) (TaskRecord, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rec, ok := rs.records[taskID]
	return rec, ok
}

// Snapshot returns a copy of all records, safe to range over without
// holding the lock.
func (rs *RunState) Snapshot() map[string]TaskRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]TaskRecord, len(rs.records))
	for k, v := range rs.records {
		out[k] = v
	}
	return out
}

// AllSucceeded reports whether every recorded task ended Succeeded.
func (rs *RunState) AllSucceeded() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.records {
		if r.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// HasFailure reports whether any recorded task ended Failed or TimedOut.
func (rs *RunState) HasFailure() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.records {
		if r.Status == StatusFailed || r.Status == StatusTimedOut {
			return true
		}
	}
	return false
}

// DependenciesSucceeded reports whether every id in ids ended Succeeded.
func (rs *RunState) DependenciesSucceeded(ids []string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, id := range ids {
		rec, ok := rs.records[id]
		if !ok || rec.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// DependenciesFailed reports whether any id in ids ended Failed or TimedOut.
func (rs *RunState) DependenciesFailed(ids []string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, id := range ids {
		rec, ok := rs.records[id]
		if ok && (rec.Status == StatusFailed || rec.Status == StatusTimedOut) {
			return true
		}
	}
	return false
}

// IsCancelled reports whether the run has been cancelled.
func (rs *RunState) IsCancelled() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.Cancelled
}

// MarkCancelled flags the run as cancelled.
func (rs *RunState) MarkCancelled() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Cancelled = true
}

// OverallStatus computes the run's terminal status per spec.md §4.8 step 3.
// continueOnError reports, for a given task id, whether its failure should
// be excluded from the "any failure" check.
func (rs *RunState) OverallStatus(continueOnError func(taskID string) bool) ExecutionStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.Cancelled {
		return StatusCancelled
	}
	for id, r := range rs.records {
		if (r.Status == StatusFailed || r.Status == StatusTimedOut) && !continueOnError(id) {
			return StatusFailed
		}
	}
	return StatusSucceeded
}
