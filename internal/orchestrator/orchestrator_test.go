package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/taskwave/taskwave/internal/events"
	"github.com/taskwave/taskwave/internal/expr"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/plugin"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	e, err := expr.New()
	if err != nil {
		t.Fatalf("expr.New() error = %v", err)
	}
	return NewRunner(e, events.New(), nil)
}

func echoCommand(s string) string {
	if runtime.GOOS == "windows" {
		return "echo " + s
	}
	return "echo " + s
}

func TestRunTask_SucceedsAndRecordsOutput(t *testing.T) {
	r := newRunner(t)
	wf := model.Workflow{Name: "wf"}
	task := model.Task{ID: "t1", Command: echoCommand("hello")}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, ok := rs.Get("t1")
	if !ok {
		t.Fatal("expected a record for t1")
	}
	if rec.Status != model.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded (error=%q)", rec.Status, rec.Error)
	}
}

func TestRunTask_SkipsWhenConditionFalse(t *testing.T) {
	r := newRunner(t)
	wf := model.Workflow{Name: "wf"}
	task := model.Task{ID: "t1", Command: echoCommand("hello"), If: "failure()"}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, _ := rs.Get("t1")
	if rec.Status != model.StatusSkipped {
		t.Fatalf("status = %v, want skipped", rec.Status)
	}
}

func TestRunTask_UnsupportedShellIsNeverRetried(t *testing.T) {
	r := newRunner(t)
	wf := model.Workflow{Name: "wf", DefaultRetry: model.RetryPolicy{MaxRetries: 3, DelayMS: 1}}
	task := model.Task{ID: "t1", Command: "irrelevant", Shell: "not-a-real-shell"}
	rs := model.NewRunState("run-1", wf.Name)

	start := time.Now()
	r.RunTask(context.Background(), wf, task, rs)
	elapsed := time.Since(start)

	rec, _ := rs.Get("t1")
	if rec.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (unsupported shell must not retry)", rec.Attempt)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("took %v, suggests retries happened despite being non-retryable", elapsed)
	}
}

func TestRunTask_NonZeroExitIsFailedWithExitCode(t *testing.T) {
	r := newRunner(t)
	wf := model.Workflow{Name: "wf"}
	cmd := "exit 3"
	task := model.Task{ID: "t1", Command: cmd}
	if runtime.GOOS == "windows" {
		task.Shell = "cmd"
	}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, _ := rs.Get("t1")
	if rec.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", rec.Status)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", rec.ExitCode)
	}
}

func TestRunTask_PluginDispatchSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	e, err := expr.New()
	if err != nil {
		t.Fatalf("expr.New() error = %v", err)
	}
	r := NewRunner(e, events.New(), nil).WithPlugins(plugin.NewRegistry(e, nil, ""))

	wf := model.Workflow{Name: "wf"}
	task := model.Task{ID: "t1", Plugin: &model.PluginSpec{Type: model.TaskHTTP, Method: http.MethodGet, URL: srv.URL}}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, ok := rs.Get("t1")
	if !ok {
		t.Fatal("expected a record for t1")
	}
	if rec.Status != model.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded (error=%q)", rec.Status, rec.Error)
	}
}

func TestRunTask_TimeoutPublishesDistinctEventKind(t *testing.T) {
	e, err := expr.New()
	if err != nil {
		t.Fatalf("expr.New() error = %v", err)
	}
	bus := events.New()
	var kinds []events.Kind
	bus.Subscribe(events.KindTaskTimedOut, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	bus.Subscribe(events.KindTaskFailed, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	r := NewRunner(e, bus, nil)

	wf := model.Workflow{Name: "wf"}
	task := model.Task{ID: "t1", Command: "sleep 2", Timeout: model.Timeout{Milliseconds: 50}}
	if runtime.GOOS == "windows" {
		task.Command = "ping -n 3 127.0.0.1 > nul"
	}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, _ := rs.Get("t1")
	if rec.Status != model.StatusTimedOut {
		t.Fatalf("status = %v, want timed_out", rec.Status)
	}
	if len(kinds) != 1 || kinds[0] != events.KindTaskTimedOut {
		t.Fatalf("published kinds = %v, want exactly [task.timed_out] (not task.failed)", kinds)
	}
}

func TestRunTask_PluginWithoutRegistryIsNeverRetried(t *testing.T) {
	e, err := expr.New()
	if err != nil {
		t.Fatalf("expr.New() error = %v", err)
	}
	r := NewRunner(e, events.New(), nil)

	wf := model.Workflow{Name: "wf", DefaultRetry: model.RetryPolicy{MaxRetries: 3, DelayMS: 1}}
	task := model.Task{ID: "t1", Plugin: &model.PluginSpec{Type: model.TaskHTTP, URL: "http://example.invalid"}}
	rs := model.NewRunState("run-1", wf.Name)

	r.RunTask(context.Background(), wf, task, rs)

	rec, _ := rs.Get("t1")
	if rec.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (missing plugin registry must not retry)", rec.Attempt)
	}
}
