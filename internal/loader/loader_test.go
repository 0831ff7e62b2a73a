package loader

import (
	"errors"
	"strings"
	"testing"

	"github.com/taskwave/taskwave/internal/errs"
)

const sampleWorkflow = `
name: build-and-test
description: build then test
tasks:
  - id: build
    command: make build
  - id: test
    command: make test
    depends_on: [build]
`

func TestLoad_ValidWorkflow(t *testing.T) {
	wf, err := Load(strings.NewReader(sampleWorkflow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Name != "build-and-test" {
		t.Fatalf("got name %q", wf.Name)
	}
	if len(wf.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(wf.Tasks))
	}
}

func TestLoad_MissingNameIsValidationError(t *testing.T) {
	_, err := Load(strings.NewReader("tasks:\n  - id: a\n    command: echo hi\n"))
	var verr *errs.Validation
	if !errors.As(err, &verr) {
		t.Fatalf("expected *errs.Validation, got %v", err)
	}
	if verr.Code != "workflow_name_required" {
		t.Fatalf("got code %q", verr.Code)
	}
}

func TestLoad_NoTasksIsValidationError(t *testing.T) {
	_, err := Load(strings.NewReader("name: empty\ntasks: []\n"))
	var verr *errs.Validation
	if !errors.As(err, &verr) {
		t.Fatalf("expected *errs.Validation, got %v", err)
	}
	if verr.Code != "workflow_tasks_required" {
		t.Fatalf("got code %q", verr.Code)
	}
}

func TestLoad_UnknownFieldIsRejected(t *testing.T) {
	_, err := Load(strings.NewReader("name: x\nbogus_field: 1\ntasks:\n  - id: a\n    command: echo hi\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}
