// Package errs defines the engine's tagged error-kind union, per
// spec.md §7. Every kind is a concrete type implementing error so callers
// can use errors.As instead of cross-layer subtype checks.
package errs

import "fmt"

// CircularDependency is raised by the planner when the task graph has a
// cycle; Path is one concrete cycle, e.g. []string{"a","b","c","a"}.
type CircularDependency struct {
	Path []string
}

func (e *CircularDependency) Error() string {
	s := ""
	for i, id := range e.Path {
		if i > 0 {
			s += " → "
		}
		s += id
	}
	return fmt.Sprintf("circular dependency: %s", s)
}

// ExpressionEvaluation is raised by the expression engine when a condition
// or interpolation fails to evaluate.
type ExpressionEvaluation struct {
	Expr   string
	Reason string
}

func (e *ExpressionEvaluation) Error() string {
	return fmt.Sprintf("expression evaluation failed for %q: %s", e.Expr, e.Reason)
}

// InputTooLarge is raised when a file input exceeds the configured cap.
type InputTooLarge struct {
	Path    string
	SizeCap int64
}

func (e *InputTooLarge) Error() string {
	return fmt.Sprintf("input file %q exceeds size cap of %d bytes", e.Path, e.SizeCap)
}

// InputIO wraps an I/O failure while resolving a task input.
type InputIO struct {
	Path string
	Err  error
}

func (e *InputIO) Error() string { return fmt.Sprintf("input io error for %q: %v", e.Path, e.Err) }
func (e *InputIO) Unwrap() error { return e.Err }

// TaskExecution is the standard task failure, eligible for retry.
type TaskExecution struct {
	TaskID   string
	ExitCode *int
	Inner    error
}

func (e *TaskExecution) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("task %q failed with exit code %d: %v", e.TaskID, *e.ExitCode, e.Inner)
	}
	return fmt.Sprintf("task %q failed: %v", e.TaskID, e.Inner)
}
func (e *TaskExecution) Unwrap() error { return e.Inner }

// TaskTimeout is a TaskExecution that is never retried.
type TaskTimeout struct {
	TaskID  string
	Timeout string
}

func (e *TaskTimeout) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.TaskID, e.Timeout)
}

// UnsupportedShell is fatal to a task; never retried.
type UnsupportedShell struct {
	Name      string
	Supported []string
}

func (e *UnsupportedShell) Error() string {
	return fmt.Sprintf("unsupported shell %q (supported: %v)", e.Name, e.Supported)
}

// Validation carries one parse/schema problem surfaced by the external
// loader/validator. The engine never constructs these itself but accepts
// them from the loader boundary (SPEC_FULL.md §19).
type Validation struct {
	Code    string
	Message string
	TaskID  string
	Line    int
	Column  int
}

func (e *Validation) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("validation [%s] task %q: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("validation [%s]: %s", e.Code, e.Message)
}
