// Package ioresolve resolves a task's InputSpec into process stdin and
// shapes a finished process's raw output into a model.TaskOutput, per
// spec.md §4.7. Grounded on the teacher's HTTPTaskExecutor.resolveTemplate
// boundedness (task_executor.go caps response bodies at 10MB) and on
// dag_engine.go's wave/dependency bookkeeping for the Pipe-source ordering
// check.
package ioresolve

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
)

// DefaultInputSizeCap bounds how much of a file input is read into memory,
// per spec.md §4.7.
const DefaultInputSizeCap int64 = 10 << 20 // 10MiB, matching the teacher's HTTP response cap

// ResolveInput produces the stdin reader for a task, given the workflow's
// resolved task records (for Pipe) and an interpolation function for Text.
func ResolveInput(spec *model.InputSpec, priorOutputs map[string]model.TaskOutput, interpolate func(string) (string, error), sizeCap int64) (io.Reader, error) {
	if spec == nil || spec.Kind == model.InputNone {
		return nil, nil
	}
	if sizeCap <= 0 {
		sizeCap = DefaultInputSizeCap
	}
	switch spec.Kind {
	case model.InputText:
		text := spec.Text
		if interpolate != nil {
			resolved, err := interpolate(text)
			if err != nil {
				return nil, err
			}
			text = resolved
		}
		return strings.NewReader(text), nil

	case model.InputFile:
		return openCapped(spec.Path, sizeCap)

	case model.InputPipe:
		out, ok := priorOutputs[spec.From]
		if !ok {
			return nil, &errs.ExpressionEvaluation{
				Expr:   spec.From,
				Reason: "pipe input references a task with no recorded output; it must run in an earlier wave",
			}
		}
		if out.FilePath != "" {
			return openCapped(out.FilePath, sizeCap)
		}
		if len(out.RawBytes) > 0 {
			return bytes.NewReader(out.RawBytes), nil
		}
		return strings.NewReader(out.Stdout), nil

	default:
		return nil, nil
	}
}

func openCapped(path string, sizeCap int64) (io.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.InputIO{Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.InputIO{Path: path, Err: err}
	}
	if info.Size() > sizeCap {
		f.Close()
		return nil, &errs.InputTooLarge{Path: path, SizeCap: sizeCap}
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, &errs.InputIO{Path: path, Err: err}
	}
	return bytes.NewReader(data), nil
}

// ShapeOutput builds the task's TaskOutput from the process's captured
// stdout/stderr, per the task's OutputSpec. OutputFile writes stdout to
// Path (rejecting any path that escapes the working directory via ".."),
// OutputBytes keeps the raw bytes, and the default keeps stdout as text.
func ShapeOutput(spec *model.OutputSpec, workDir string, stdout, stderr []byte) (model.TaskOutput, error) {
	out := model.TaskOutput{}
	if spec != nil && spec.CaptureStderr {
		out.Stderr = string(stderr)
	}
	if spec == nil || spec.Kind == model.OutputDefault {
		out.Stdout = string(stdout)
		return out, nil
	}
	switch spec.Kind {
	case model.OutputBytes:
		out.RawBytes = stdout
		return out, nil

	case model.OutputFile:
		path, err := safeJoin(workDir, spec.Path)
		if err != nil {
			return out, err
		}
		// §4.6: OutputFile creates missing parent directories, and any IO
		// error writing the file falls back to inline stdout rather than
		// failing the task.
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			out.Stdout = string(stdout)
			return out, nil
		}
		if err := os.WriteFile(path, stdout, 0o644); err != nil {
			out.Stdout = string(stdout)
			return out, nil
		}
		out.FilePath = path
		return out, nil

	default:
		out.Stdout = string(stdout)
		return out, nil
	}
}

// safeJoin resolves path relative to base and rejects any result that
// escapes base via "..", per spec.md §4.7's path-traversal rule.
func safeJoin(base, path string) (string, error) {
	if base == "" {
		base = "."
	}
	joined := filepath.Join(base, path)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", &errs.InputIO{Path: path, Err: err}
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", &errs.InputIO{Path: path, Err: err}
	}
	rel, err := filepath.Rel(absBase, absJoined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &errs.InputIO{Path: path, Err: os.ErrPermission}
	}
	return absJoined, nil
}
