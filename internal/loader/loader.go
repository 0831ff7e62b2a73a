// Package loader decodes a workflow document from YAML into the model
// package's types. It is intentionally thin: beyond what gopkg.in/yaml.v3
// enforces for the shape itself (unknown fields are rejected), it only
// checks that the workflow has a name and at least one task;
// internal/model.Workflow.Validate and internal/planner.Build do the real
// closed-graph and cycle checks, per spec.md §4.1 and §19.
package loader

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
)

// LoadFile reads and decodes a workflow document from path.
func LoadFile(path string) (model.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Workflow{}, &errs.InputIO{Path: path, Err: err}
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a workflow document from r.
func Load(r io.Reader) (model.Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var wf model.Workflow
	if err := dec.Decode(&wf); err != nil {
		return model.Workflow{}, &errs.Validation{
			Code:    "workflow_document_parse",
			Message: fmt.Sprintf("failed to decode workflow document: %v", err),
		}
	}
	if wf.Name == "" {
		return model.Workflow{}, &errs.Validation{Code: "workflow_name_required", Message: "workflow must declare a name"}
	}
	if len(wf.Tasks) == 0 {
		return model.Workflow{}, &errs.Validation{Code: "workflow_tasks_required", Message: "workflow must declare at least one task"}
	}
	return wf, nil
}
