// Package store persists workflow definitions and run results in a local
// BoltDB file, per SPEC_FULL.md §14. Adapted near-verbatim in structure
// (buckets, versioning, bounded execution cache, time-indexed execution
// listing) from the teacher's WorkflowStore in persistence.go, retargeted
// at this repo's model.Workflow/model.RunState types instead of the
// teacher's own Workflow/WorkflowExecution.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/taskwave/taskwave/internal/model"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketVersions   = []byte("versions")
	bucketIndexes    = []byte("indexes")
	bucketSchedules  = []byte("schedules")
)

// Schedule is the persisted form of a cron or event trigger binding, owned
// by internal/scheduler but stored here alongside everything else bbolt
// manages, matching the teacher's single-file bucketSchedules layout.
type Schedule struct {
	WorkflowName  string                 `json:"workflow_name"`
	CronExpr      string                 `json:"cron_expr,omitempty"`
	EventType     string                 `json:"event_type,omitempty"`
	EventFilter   map[string]interface{} `json:"event_filter,omitempty"`
	Enabled       bool                   `json:"enabled"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
	TimeoutMS     int64                  `json:"timeout_ms,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// RunRecord is the persisted shape of a completed or in-flight run: the
// RunState plus the workflow name it was started against, keyed by RunID.
type RunRecord struct {
	RunID        string                        `json:"run_id"`
	WorkflowName string                        `json:"workflow_name"`
	StartedAt    time.Time                     `json:"started_at"`
	EndedAt      time.Time                     `json:"ended_at"`
	Cancelled    bool                          `json:"cancelled"`
	Records      map[string]model.TaskRecord   `json:"records"`
}

// Store is a BoltDB-backed home for workflow definitions and run records.
// All public methods are safe for concurrent use.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex

	workflowCache map[string]model.Workflow
	runCache      map[string]*RunRecord
	maxCacheSize  int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if needed) a BoltDB file under dataDir and prepares
// its buckets. meter may be nil, in which case instrument recording is a
// no-op (Open still works without an otel.MeterProvider wired up).
func Open(dataDir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dataDir+"/taskwave.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketExecutions, bucketVersions, bucketIndexes, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if meter == nil {
		meter = noop.NewMeterProvider().Meter("taskwave-store")
	}
	readLatency, _ := meter.Float64Histogram("taskwave_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskwave_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskwave_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskwave_store_cache_misses_total")

	s := &Store{
		db:            db,
		workflowCache: make(map[string]model.Workflow),
		runCache:      make(map[string]*RunRecord),
		maxCacheSize:  256,
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}

	if err := s.warmCache(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}

	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		return bucket.ForEach(func(k, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.workflowCache[wf.Name] = wf
			return nil
		})
	})
}

// PutWorkflow stores wf under its Name, archiving any prior definition into
// bucketVersions keyed by "name:unixnano" so GetWorkflowVersions can list
// history.
func (s *Store) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_workflow")

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		existing := bucket.Get([]byte(wf.Name))
		if existing != nil {
			versions := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", wf.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		return bucket.Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.workflowCache[wf.Name] = wf
	return nil
}

// GetWorkflow retrieves a workflow by name, preferring the in-memory cache.
func (s *Store) GetWorkflow(ctx context.Context, name string) (model.Workflow, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start, "get_workflow")

	s.mu.RLock()
	if wf, ok := s.workflowCache[name]; ok {
		s.mu.RUnlock()
		s.addCount(ctx, s.cacheHits, "workflow")
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.addCount(ctx, s.cacheMisses, "workflow")

	var wf model.Workflow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return model.Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if !found {
		return model.Workflow{}, false, nil
	}

	s.mu.Lock()
	s.workflowCache[name] = wf
	s.mu.Unlock()
	return wf, true, nil
}

// ListWorkflows returns cached workflows with offset/limit pagination. The
// order is not stable across calls (it follows Go map iteration), matching
// the teacher's own ListWorkflows.
func (s *Store) ListWorkflows(ctx context.Context, limit, offset int) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Workflow, 0, len(s.workflowCache))
	for _, wf := range s.workflowCache {
		all = append(all, wf)
	}

	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// DeleteWorkflow soft-deletes a workflow: its current definition is
// archived into bucketVersions before removal from bucketWorkflows.
func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		data := bucket.Get([]byte(name))
		if data != nil {
			versions := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}

	delete(s.workflowCache, name)
	return nil
}

// GetWorkflowVersions returns up to limit archived definitions for name,
// oldest-key-order first (matching bbolt's byte-ordered cursor).
func (s *Store) GetWorkflowVersions(ctx context.Context, name string, limit int) ([]model.Workflow, error) {
	versions := make([]model.Workflow, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		prefix := []byte(name + ":")
		cursor := bucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			versions = append(versions, wf)
			count++
		}
		return nil
	})
	return versions, err
}

// PutRun stores a run's accumulated RunState, indexed by start time so
// ListRuns can range-scan a workflow's history.
func (s *Store) PutRun(ctx context.Context, rs *model.RunState) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_run")

	rec := &RunRecord{
		RunID:        rs.RunID,
		WorkflowName: rs.WorkflowName,
		StartedAt:    rs.StartedAt,
		EndedAt:      rs.EndedAt,
		Cancelled:    rs.IsCancelled(),
		Records:      rs.Snapshot(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(rec.RunID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", rec.WorkflowName, rec.StartedAt.UnixNano(), rec.RunID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(rec.RunID))
	})
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	if len(s.runCache) >= s.maxCacheSize {
		s.evictOldestRun()
	}
	s.runCache[rec.RunID] = rec
	return nil
}

// GetRun retrieves a run by id, preferring the in-memory cache.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start, "get_run")

	s.mu.RLock()
	if rec, ok := s.runCache[runID]; ok {
		s.mu.RUnlock()
		s.addCount(ctx, s.cacheHits, "run")
		return rec, true, nil
	}
	s.mu.RUnlock()
	s.addCount(ctx, s.cacheMisses, "run")

	var rec RunRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read run: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ListRuns returns up to limit runs for workflowName whose StartedAt falls
// in [startTime, endTime], oldest first.
func (s *Store) ListRuns(ctx context.Context, workflowName string, startTime, endTime time.Time, limit int) ([]*RunRecord, error) {
	runs := make([]*RunRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)
		prefix := []byte(workflowName + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var rec RunRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.StartedAt.After(endTime) {
				break
			}
			if rec.StartedAt.Before(startTime) {
				continue
			}
			runs = append(runs, &rec)
			count++
		}
		return nil
	})
	return runs, err
}

// PutSchedule persists a Schedule keyed by WorkflowName, overwriting any
// prior binding for that workflow.
func (s *Store) PutSchedule(ctx context.Context, sched Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(sched.WorkflowName), data)
	})
}

// DeleteSchedule removes the schedule bound to workflowName, if any.
func (s *Store) DeleteSchedule(ctx context.Context, workflowName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
}

// ListSchedules returns every persisted schedule, skipping any entry that
// fails to unmarshal (matching the teacher's own best-effort ForEach).
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	schedules := make([]Schedule, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSchedules)
		return bucket.ForEach(func(k, v []byte) error {
			var sched Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return nil
			}
			schedules = append(schedules, sched)
			return nil
		})
	})
	return schedules, err
}

// GetStats reports a coarse snapshot of cache occupancy, useful for a
// /health or /metrics endpoint.
type Stats struct {
	WorkflowCount int
	CachedRuns    int
}

func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{WorkflowCount: len(s.workflowCache), CachedRuns: len(s.runCache)}
}

// evictOldestRun drops the cached run with the earliest StartedAt; reads
// through GetRun do not affect which run goes first.
func (s *Store) evictOldestRun() {
	var oldestID string
	var oldestTime time.Time
	for id, rec := range s.runCache {
		if oldestID == "" || rec.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.runCache, oldestID)
	}
}

func (s *Store) recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) addCount(ctx context.Context, c metric.Int64Counter, kind string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
