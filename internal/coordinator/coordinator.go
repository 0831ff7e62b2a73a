// Package coordinator drives a whole run: it iterates the planner's waves,
// fans each wave's tasks out concurrently, and aggregates the terminal
// status, per spec.md §4.8. Grounded on the teacher's executeDAG worker
// pool in dag_engine.go, but fan-out here uses golang.org/x/sync/errgroup
// and golang.org/x/sync/semaphore instead of the teacher's raw
// channel-plus-WaitGroup pool — the idiomatic replacement the rest of the
// example pack (88lin-divinesense) uses for the same bounded-concurrency
// shape. The wave-by-wave ordering itself is grounded on the semaphore
// fan-out pattern in other_examples' blueman82-conductor wave.go.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/expr"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/orchestrator"
	"github.com/taskwave/taskwave/internal/planner"
	"github.com/taskwave/taskwave/internal/plugin"
)

// Coordinator runs one workflow execution end to end.
type Coordinator struct {
	MaxConcurrency int64
	Bus            *events.Bus
	AdditionalEnv  map[string]string
	Plugins        *plugin.Registry
}

// New builds a Coordinator. maxConcurrency <= 0 means unbounded within a
// wave (every ready task launches at once). No plugin registry is attached;
// see WithPlugins.
func New(maxConcurrency int64, bus *events.Bus, additionalEnv map[string]string) *Coordinator {
	return &Coordinator{MaxConcurrency: maxConcurrency, Bus: bus, AdditionalEnv: additionalEnv}
}

// WithPlugins attaches a plugin.Registry so http/model tasks dispatch
// correctly; every Runner this Coordinator builds shares it.
func (c *Coordinator) WithPlugins(reg *plugin.Registry) *Coordinator {
	c.Plugins = reg
	return c
}

// Run plans wf, then executes every wave in order, cancelling remaining
// waves if ctx is cancelled between waves. It returns the completed
// RunState; the caller decides what OverallStatus means for persistence or
// the HTTP response.
func (c *Coordinator) Run(ctx context.Context, runID string, wf model.Workflow) (*model.RunState, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	plan, err := planner.Build(wf)
	if err != nil {
		return nil, err
	}

	exprEngine, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("building expression engine: %w", err)
	}

	rs := model.NewRunState(runID, wf.Name)
	runner := orchestrator.NewRunner(exprEngine, c.Bus, c.AdditionalEnv).WithPlugins(c.Plugins)

	c.publish(events.KindRunStarted, runID, "", nil)

	for _, wave := range plan.Waves {
		if ctx.Err() != nil {
			rs.MarkCancelled()
			break
		}
		c.publish(events.KindWaveStarted, runID, "", wave.TaskIDs)
		if err := c.runWave(ctx, wf, wave, rs, runner); err != nil && ctx.Err() == nil {
			// errgroup only ever returns ctx.Err(); a non-nil, non-context
			// error would indicate a bug in runWave's task closures, which
			// never return an error today (RunTask records into rs instead).
			return rs, err
		}
	}

	rs.EndedAt = time.Now()
	overall := rs.OverallStatus(func(taskID string) bool {
		t, ok := wf.TaskByID(taskID)
		return ok && t.ContinueOnError
	})
	c.publish(terminalRunEventKind(overall), runID, "", overall)
	return rs, nil
}

// terminalRunEventKind maps a run's overall status to its own distinct
// event kind, per spec.md §4.7's WorkflowCompleted|WorkflowFailed|
// WorkflowCancelled enumeration — collapsing all three into one generic
// "finished" event would force a subscriber to inspect the payload just to
// tell a cancelled run apart from a failed one.
func terminalRunEventKind(status model.ExecutionStatus) events.Kind {
	switch status {
	case model.StatusCancelled:
		return events.KindRunCancelled
	case model.StatusFailed, model.StatusTimedOut:
		return events.KindRunFailed
	default:
		return events.KindRunCompleted
	}
}

func (c *Coordinator) runWave(ctx context.Context, wf model.Workflow, wave planner.Wave, rs *model.RunState, runner *orchestrator.Runner) error {
	g, gctx := errgroup.WithContext(ctx)

	var sem *semaphore.Weighted
	if c.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(c.MaxConcurrency)
	}

	for _, id := range wave.TaskIDs {
		task, ok := wf.TaskByID(id)
		if !ok {
			continue
		}
		task := task
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			runner.RunTask(gctx, wf, task, rs)
			return nil
		})
	}

	return g.Wait()
}

func (c *Coordinator) publish(kind events.Kind, runID, taskID string, payload any) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(events.Event{Kind: kind, RunID: runID, TaskID: taskID, At: time.Now(), Payload: payload})
}
