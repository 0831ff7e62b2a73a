package expr

import (
	"strings"
	"testing"

	"github.com/taskwave/taskwave/internal/model"
)

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestEvalCondition_DefaultsToSuccess(t *testing.T) {
	e := mustEngine(t)
	ok, err := e.EvalCondition("", Scope{}, true, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected empty condition to default to success() and be true")
	}
}

func TestEvalCondition_FailureAndAlways(t *testing.T) {
	e := mustEngine(t)

	ok, err := e.EvalCondition("failure()", Scope{}, false, true, false)
	if err != nil || !ok {
		t.Fatalf("failure() with upstream failure: ok=%v err=%v", ok, err)
	}

	ok, err = e.EvalCondition("success()", Scope{}, false, true, false)
	if err != nil || ok {
		t.Fatalf("success() with upstream failure should be false: ok=%v err=%v", ok, err)
	}

	ok, err = e.EvalCondition("always()", Scope{}, false, true, true)
	if err != nil || !ok {
		t.Fatalf("always() should always be true: ok=%v err=%v", ok, err)
	}

	ok, err = e.EvalCondition("cancelled()", Scope{}, true, false, true)
	if err != nil || !ok {
		t.Fatalf("cancelled() should reflect cancellation: ok=%v err=%v", ok, err)
	}
}

func TestEvalCondition_SuccessIsFalseWhenADependencyWasSkipped(t *testing.T) {
	e := mustEngine(t)
	// Neither all-succeeded nor any-failed: a dependency ended Skipped, not
	// Succeeded or Failed/TimedOut.
	ok, err := e.EvalCondition("success()", Scope{}, false, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected success() to be false when a dependency was skipped rather than succeeded or failed")
	}
}

func TestEvalCondition_TaskFieldComparison(t *testing.T) {
	e := mustEngine(t)
	scope := Scope{Tasks: map[string]TaskView{
		"build": {Status: "succeeded", Output: "ok", ExitCode: 0},
	}}
	ok, err := e.EvalCondition(`tasks["build"].status == "succeeded"`, scope, true, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to be true")
	}
}

func TestEvalCondition_InvalidExpression(t *testing.T) {
	e := mustEngine(t)
	_, err := e.EvalCondition("tasks[", Scope{}, true, false, false)
	if err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestInterpolate_DottedAccess(t *testing.T) {
	e := mustEngine(t)
	scope := Scope{Tasks: map[string]TaskView{
		"fetch": {Status: "succeeded", Output: "42", ExitCode: 0},
	}}
	out, err := e.Interpolate(`value is {{ tasks["fetch"].output }}`, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "value is 42" {
		t.Fatalf("got %q", out)
	}
}

func TestInterpolate_JQFunction(t *testing.T) {
	e := mustEngine(t)
	scope := Scope{Tasks: map[string]TaskView{
		"fetch": {Status: "succeeded", Output: `{"user":{"name":"ada"}}`, ExitCode: 0},
	}}
	out, err := e.Interpolate(`name={{ jq(tasks["fetch"].output, ".user.name") }}`, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "name=ada" {
		t.Fatalf("got %q", out)
	}
}

func TestInterpolate_NoPlaceholdersPassesThrough(t *testing.T) {
	e := mustEngine(t)
	out, err := e.Interpolate("plain text, nothing to resolve", Scope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "plain text, nothing to resolve" {
		t.Fatalf("got %q", out)
	}
}

func TestScopeFromRecords_PrefersStdoutThenRawBytes(t *testing.T) {
	records := map[string]model.TaskRecord{
		"a": {Status: model.StatusSucceeded, Output: model.TaskOutput{Stdout: "hello"}},
		"b": {Status: model.StatusSucceeded, Output: model.TaskOutput{RawBytes: []byte("bytes-out")}},
	}
	scope := ScopeFromRecords(records)
	if scope.Tasks["a"].Output != "hello" {
		t.Fatalf("expected stdout preferred, got %q", scope.Tasks["a"].Output)
	}
	if scope.Tasks["b"].Output != "bytes-out" {
		t.Fatalf("expected raw bytes fallback, got %q", scope.Tasks["b"].Output)
	}
}

func TestRunJQ_MalformedFilter(t *testing.T) {
	_, err := runJQ(`{"a":1}`, "(((")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parsing filter") {
		t.Fatalf("unexpected error: %v", err)
	}
}
