package coordinator

import (
	"context"
	"runtime"
	"testing"

	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/model"
)

func echo(s string) string {
	if runtime.GOOS == "windows" {
		return "echo " + s
	}
	return "echo " + s
}

func TestRun_SimpleChainSucceeds(t *testing.T) {
	wf := model.Workflow{
		Name: "chain",
		Tasks: []model.Task{
			{ID: "build", Command: echo("building")},
			{ID: "test", Command: echo("testing"), DependsOn: []string{"build"}},
		},
	}
	c := New(0, nil, nil)
	rs, err := c.Run(context.Background(), "run-1", wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rs.AllSucceeded() {
		snap := rs.Snapshot()
		t.Fatalf("expected all tasks to succeed, got %+v", snap)
	}
}

func TestRun_ParallelFanOut(t *testing.T) {
	wf := model.Workflow{
		Name: "fanout",
		Tasks: []model.Task{
			{ID: "a", Command: echo("a")},
			{ID: "b", Command: echo("b")},
			{ID: "c", Command: echo("c")},
			{ID: "join", Command: echo("join"), DependsOn: []string{"a", "b", "c"}},
		},
	}
	c := New(2, nil, nil)
	rs, err := c.Run(context.Background(), "run-2", wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rs.AllSucceeded() {
		t.Fatalf("expected all tasks to succeed, got %+v", rs.Snapshot())
	}
}

func TestRun_FailurePropagatesSkipToDownstream(t *testing.T) {
	wf := model.Workflow{
		Name: "fail-chain",
		Tasks: []model.Task{
			{ID: "build", Command: "exit 1"},
			{ID: "deploy", Command: echo("deploy"), DependsOn: []string{"build"}},
		},
	}
	c := New(0, nil, nil)
	rs, err := c.Run(context.Background(), "run-3", wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deploy, ok := rs.Get("deploy")
	if !ok {
		t.Fatal("expected a record for deploy")
	}
	if deploy.Status != model.StatusSkipped {
		t.Fatalf("deploy status = %v, want skipped since build failed", deploy.Status)
	}
}

func TestRun_FailurePropagatesSkipTransitively(t *testing.T) {
	wf := model.Workflow{
		Name: "fail-chain-transitive",
		Tasks: []model.Task{
			{ID: "a", Command: "exit 1"},
			{ID: "b", Command: echo("b"), DependsOn: []string{"a"}},
			{ID: "c", Command: echo("c"), DependsOn: []string{"b"}},
		},
	}
	c := New(0, nil, nil)
	rs, err := c.Run(context.Background(), "run-3b", wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := rs.Get("b")
	if !ok || b.Status != model.StatusSkipped {
		t.Fatalf("b status = %+v, want skipped since a failed", b)
	}
	c2, ok := rs.Get("c")
	if !ok {
		t.Fatal("expected a record for c")
	}
	if c2.Status != model.StatusSkipped {
		t.Fatalf("c status = %v, want skipped since its dependency b was skipped (not succeeded)", c2.Status)
	}
}

func TestRun_TerminalRunEventReflectsFailureNotGenericFinished(t *testing.T) {
	wf := model.Workflow{
		Name:  "fail-event",
		Tasks: []model.Task{{ID: "a", Command: "exit 1"}},
	}
	bus := events.New()
	var kinds []events.Kind
	bus.Subscribe(events.KindRunFailed, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	bus.Subscribe(events.KindRunCompleted, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	bus.Subscribe(events.KindRunCancelled, func(ev events.Event) { kinds = append(kinds, ev.Kind) })

	c := New(0, bus, nil)
	if _, err := c.Run(context.Background(), "run-evt", wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != events.KindRunFailed {
		t.Fatalf("published terminal kinds = %v, want exactly [run.failed]", kinds)
	}
}

func TestRun_CyclicWorkflowReturnsError(t *testing.T) {
	wf := model.Workflow{
		Name: "cycle",
		Tasks: []model.Task{
			{ID: "a", Command: echo("a"), DependsOn: []string{"b"}},
			{ID: "b", Command: echo("b"), DependsOn: []string{"a"}},
		},
	}
	c := New(0, nil, nil)
	_, err := c.Run(context.Background(), "run-4", wf)
	if err == nil {
		t.Fatal("expected an error for a cyclic workflow")
	}
}

func TestRun_ContinueOnErrorAllowsDownstreamToRunViaAlways(t *testing.T) {
	wf := model.Workflow{
		Name: "continue",
		Tasks: []model.Task{
			{ID: "build", Command: "exit 1", ContinueOnError: true},
			{ID: "cleanup", Command: echo("cleanup"), DependsOn: []string{"build"}, If: "always()"},
		},
	}
	c := New(0, nil, nil)
	rs, err := c.Run(context.Background(), "run-5", wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cleanup, _ := rs.Get("cleanup")
	if cleanup.Status != model.StatusSucceeded {
		t.Fatalf("cleanup status = %v, want succeeded", cleanup.Status)
	}
	overall := rs.OverallStatus(func(taskID string) bool {
		task, ok := wf.TaskByID(taskID)
		return ok && task.ContinueOnError
	})
	if overall != model.StatusSucceeded {
		t.Fatalf("overall = %v, want succeeded because build's failure is excused by continue_on_error", overall)
	}
}
