// Package orchestrator drives a single task through its condition gate,
// input/output resolution, strategy dispatch, and attempt/retry loop, per
// spec.md §4.8. Grounded on the teacher's executeTask in dag_engine.go
// (cache check, per-attempt context timeout, retry loop with backoff,
// otel span), generalized from the teacher's single HTTP/Python/policy
// TaskExecutor dispatch to the spec's local/container/ssh strategy set
// plus the full input/output/condition pipeline dag_engine.go left as a
// "// TODO: Implement full expression evaluation" stub.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskwave/taskwave/internal/envresolve"
	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/expr"
	"github.com/taskwave/taskwave/internal/ioresolve"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/plugin"
	"github.com/taskwave/taskwave/internal/procrunner"
	"github.com/taskwave/taskwave/internal/strategy"
)

var tracer = otel.Tracer("taskwave")

// Runner executes one task to completion (including its retry loop) and
// records the outcome into the shared RunState.
type Runner struct {
	Strategies    []strategy.Strategy
	Expr          *expr.Engine
	Bus           *events.Bus
	AdditionalEnv map[string]string
	Plugins       *plugin.Registry
}

// NewRunner builds a Runner with the default strategy set and no plugin
// registry (tasks with a Plugin block but no registry fail at dispatch
// time; see WithPlugins).
func NewRunner(exprEngine *expr.Engine, bus *events.Bus, additionalEnv map[string]string) *Runner {
	return &Runner{Strategies: strategy.Default(), Expr: exprEngine, Bus: bus, AdditionalEnv: additionalEnv}
}

// WithPlugins attaches a plugin.Registry so tasks with a Plugin block
// (and no Command) can be dispatched, per SPEC_FULL.md §20.
func (r *Runner) WithPlugins(reg *plugin.Registry) *Runner {
	r.Plugins = reg
	return r
}

// outcome pairs an attempt's TaskRecord with whether a retry should even be
// considered — timeouts and unsupported shells are never retried, per
// spec.md §7's error-kind union.
type outcome struct {
	record       model.TaskRecord
	nonRetryable bool
}

// RunTask evaluates the task's condition against rs, then — if the gate
// passes — resolves its input, selects a strategy, and drives the
// attempt/retry loop, recording the final TaskRecord into rs. Skipped
// tasks are recorded with StatusSkipped and no process is ever spawned.
func (r *Runner) RunTask(ctx context.Context, wf model.Workflow, t model.Task, rs *model.RunState) {
	ctx, span := tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task_id", t.ID),
	))
	defer span.End()

	scope := expr.ScopeFromRecords(rs.Snapshot())
	allDepsSucceeded := rs.DependenciesSucceeded(t.DependsOn)
	anyDepFailed := rs.DependenciesFailed(t.DependsOn)
	ok, err := r.Expr.EvalCondition(t.If, scope, allDepsSucceeded, anyDepFailed, rs.IsCancelled())
	if err != nil {
		rs.Set(model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error(), StartedAt: time.Now(), EndedAt: time.Now()})
		r.publish(events.KindTaskFailed, rs.RunID, t.ID, err)
		return
	}
	if !ok {
		rs.Set(model.TaskRecord{TaskID: t.ID, Status: model.StatusSkipped, StartedAt: time.Now(), EndedAt: time.Now()})
		r.publish(events.KindTaskSkipped, rs.RunID, t.ID, nil)
		return
	}

	r.publish(events.KindTaskStarted, rs.RunID, t.ID, nil)

	retry := wf.EffectiveRetry(t)
	timeout := wf.EffectiveTimeout(t)
	started := time.Now()
	var final model.TaskRecord

	for attempt := 1; attempt <= retry.Attempts(); attempt++ {
		if rs.IsCancelled() {
			final = model.TaskRecord{TaskID: t.ID, Status: model.StatusCancelled, Attempt: attempt, StartedAt: started}
			break
		}

		r.publish(events.KindTaskAttempt, rs.RunID, t.ID, attempt)
		out := r.attempt(ctx, wf, t, rs, timeout)
		out.record.Attempt = attempt
		out.record.StartedAt = started
		final = out.record

		if out.record.Status == model.StatusSucceeded || out.nonRetryable {
			break
		}
		if attempt < retry.Attempts() {
			select {
			case <-ctx.Done():
				final.Status = model.StatusCancelled
				goto recordFinal
			case <-time.After(retry.DelayForAttempt(attempt)):
			}
		}
	}

recordFinal:
	final.EndedAt = time.Now()
	rs.Set(final)
	r.publish(terminalTaskEventKind(final.Status), rs.RunID, t.ID, final)
}

// terminalTaskEventKind maps a task's terminal status to its own distinct
// event kind, per spec.md §4.7's TaskCompleted|TaskFailed|TaskSkipped|
// TaskTimedOut|TaskCancelled enumeration — so a TUI/exporter on the event
// stream can tell a timeout or cancellation apart from an ordinary failure.
func terminalTaskEventKind(status model.ExecutionStatus) events.Kind {
	switch status {
	case model.StatusSucceeded:
		return events.KindTaskSucceeded
	case model.StatusTimedOut:
		return events.KindTaskTimedOut
	case model.StatusCancelled:
		return events.KindTaskCancelled
	default:
		return events.KindTaskFailed
	}
}

func (r *Runner) attempt(ctx context.Context, wf model.Workflow, t model.Task, rs *model.RunState, timeout model.Timeout) outcome {
	if t.Command == "" && t.Plugin != nil {
		return r.attemptPlugin(ctx, t, rs, timeout)
	}

	chosen, err := strategy.Select(r.Strategies, wf, t)
	if err != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}, nonRetryable: true}
	}
	if err := chosen.Preflight(ctx, wf, t); err != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}}
	}

	scope := expr.ScopeFromRecords(rs.Snapshot())
	command, err := r.Expr.Interpolate(t.Command, scope)
	if err != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}, nonRetryable: true}
	}

	execCfg, err := chosen.BuildConfig(wf, t, command, r.AdditionalEnv)
	if err != nil {
		var unsupported *errs.UnsupportedShell
		nonRetryable := errors.As(err, &unsupported)
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}, nonRetryable: nonRetryable}
	}

	priorOutputs := outputsOf(rs.Snapshot())
	stdin, err := ioresolve.ResolveInput(t.Input, priorOutputs, func(s string) (string, error) {
		return r.Expr.Interpolate(s, scope)
	}, 0)
	if err != nil {
		var tooLarge *errs.InputTooLarge
		nonRetryable := errors.As(err, &tooLarge)
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}, nonRetryable: nonRetryable}
	}

	runCfg := procrunner.Config{
		Executable: execCfg.Executable,
		Argv:       execCfg.Argv,
		Env:        envresolve.ToSlice(execCfg.Env),
		Dir:        execCfg.WorkingDir,
		Stdin:      stdin,
		Timeout:    timeout.Duration(),
		CaptureCap: ioresolve.DefaultInputSizeCap,
		OnChunk: func(c procrunner.Chunk) {
			r.publish(events.KindTaskOutput, rs.RunID, t.ID, c)
		},
	}

	result, runErr := procrunner.Run(ctx, runCfg)
	if runErr == context.DeadlineExceeded {
		return outcome{
			record: model.TaskRecord{
				TaskID: t.ID, Status: model.StatusTimedOut,
				Error: (&errs.TaskTimeout{TaskID: t.ID, Timeout: timeout.Duration().String()}).Error(),
			},
			nonRetryable: true,
		}
	}
	if runErr == context.Canceled {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusCancelled}, nonRetryable: true}
	}
	if runErr != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: runErr.Error()}}
	}

	output, shapeErr := ioresolve.ShapeOutput(t.Output, execCfg.WorkingDir, result.Stdout, result.Stderr)
	if shapeErr != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: shapeErr.Error()}}
	}

	status := model.StatusSucceeded
	var errMsg string
	exitCode := result.ExitCode
	if exitCode != 0 {
		status = model.StatusFailed
		errMsg = (&errs.TaskExecution{TaskID: t.ID, ExitCode: &exitCode}).Error()
	}

	return outcome{record: model.TaskRecord{
		TaskID:   t.ID,
		Status:   status,
		ExitCode: &exitCode,
		Output:   output,
		Error:    errMsg,
	}}
}

// attemptPlugin dispatches a non-shell task (http/model) through the
// plugin registry instead of a process strategy. A task whose condition
// gate passed but has neither a Command nor a usable Plugin registry is a
// non-retryable configuration error.
func (r *Runner) attemptPlugin(ctx context.Context, t model.Task, rs *model.RunState, timeout model.Timeout) outcome {
	if r.Plugins == nil {
		return outcome{
			record:       model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: "task has a plugin block but no plugin registry is configured"},
			nonRetryable: true,
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d := timeout.Duration(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	scope := expr.ScopeFromRecords(rs.Snapshot())
	result, err := r.Plugins.Execute(runCtx, t, scope)
	if runCtx.Err() == context.DeadlineExceeded {
		return outcome{
			record:       model.TaskRecord{TaskID: t.ID, Status: model.StatusTimedOut, Error: (&errs.TaskTimeout{TaskID: t.ID, Timeout: timeout.Duration().String()}).Error()},
			nonRetryable: true,
		}
	}
	if err != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: err.Error()}}
	}

	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return outcome{record: model.TaskRecord{TaskID: t.ID, Status: model.StatusFailed, Error: marshalErr.Error()}, nonRetryable: true}
	}

	return outcome{record: model.TaskRecord{
		TaskID: t.ID,
		Status: model.StatusSucceeded,
		Output: model.TaskOutput{Stdout: string(resultJSON)},
	}}
}

func outputsOf(records map[string]model.TaskRecord) map[string]model.TaskOutput {
	out := make(map[string]model.TaskOutput, len(records))
	for id, rec := range records {
		out[id] = rec.Output
	}
	return out
}

func (r *Runner) publish(kind events.Kind, runID, taskID string, payload any) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(events.Event{Kind: kind, RunID: runID, TaskID: taskID, At: time.Now(), Payload: payload})
}
