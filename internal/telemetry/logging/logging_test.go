package logging

import "testing"

func TestInit_ReturnsNonNilLogger(t *testing.T) {
	t.Setenv("TASKWAVE_JSON_LOG", "")
	t.Setenv("TASKWAVE_LOG_LEVEL", "")
	logger := Init("taskwave-test")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestLevelFromEnv_Defaults(t *testing.T) {
	t.Setenv("TASKWAVE_LOG_LEVEL", "bogus")
	lvl := levelFromEnv()
	if lvl.Level().String() != "INFO" {
		t.Fatalf("got %v, want INFO for an unrecognized level", lvl.Level())
	}
}

func TestLevelFromEnv_Debug(t *testing.T) {
	t.Setenv("TASKWAVE_LOG_LEVEL", "debug")
	lvl := levelFromEnv()
	if lvl.Level().String() != "DEBUG" {
		t.Fatalf("got %v, want DEBUG", lvl.Level())
	}
}
