package envresolve

import "testing"

func TestResolve_LayeringOverride(t *testing.T) {
	wf := map[string]string{"A": "workflow", "B": "workflow"}
	task := map[string]string{"B": "task"}
	out := Resolve(false, wf, task)
	if out["A"] != "workflow" {
		t.Fatalf("A = %q, want workflow", out["A"])
	}
	if out["B"] != "task" {
		t.Fatalf("B = %q, want task (task layer must win)", out["B"])
	}
}

func TestResolve_ExcludesHostWhenDisabled(t *testing.T) {
	t.Setenv("TASKWAVE_TEST_MARKER", "present")
	out := Resolve(false, nil, nil)
	if _, ok := out["TASKWAVE_TEST_MARKER"]; ok {
		t.Fatal("expected host env to be excluded")
	}
}

func TestResolve_IncludesHostWhenEnabled(t *testing.T) {
	t.Setenv("TASKWAVE_TEST_MARKER", "present")
	out := Resolve(true, nil, nil)
	if out["TASKWAVE_TEST_MARKER"] != "present" {
		t.Fatalf("expected host env included, got %q", out["TASKWAVE_TEST_MARKER"])
	}
}

func TestToSlice_FormatsPairs(t *testing.T) {
	got := ToSlice(map[string]string{"K": "V"})
	if len(got) != 1 || got[0] != "K=V" {
		t.Fatalf("got %v", got)
	}
}
