// Package expr evaluates task `if` conditions and `{{ }}` interpolations,
// per spec.md §4.2. Grounded on the CEL usage in 88lin-divinesense's
// user_service_crud.go (cel.NewEnv/cel.Variable/env.Compile), generalized
// from a single comparison filter to the full condition grammar plus a
// custom jq() function backed by itchyny/gojq for structured JSON queries,
// grounded on jordigilh-kubernaut's use of the same library.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/itchyny/gojq"

	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
)

// TaskView is the per-task data a condition or interpolation can see.
type TaskView struct {
	Status   string
	Output   string
	ExitCode int64
}

// Scope is the evaluation context handed to Eval: the outcome of every
// upstream task, keyed by task id and exposed to expressions as the `tasks`
// map (`tasks.task_id.field` or `tasks["task_id"].field`).
type Scope struct {
	Tasks map[string]TaskView
}

func toCelMap(s Scope) map[string]any {
	out := make(map[string]any, len(s.Tasks))
	for id, tv := range s.Tasks {
		out[id] = map[string]any{
			"status":    tv.Status,
			"output":    tv.Output,
			"exit_code": tv.ExitCode,
		}
	}
	return out
}

var conditionFuncs = []string{"success", "failure", "always", "cancelled"}

// Engine holds the compiled CEL environment; it is stateless after
// construction and safe for concurrent use across tasks within a run.
type Engine struct {
	env *cel.Env
}

// New builds the expression environment, registering the tasks map variable,
// the four zero-arg condition functions, and the jq() extension function —
// the registry point SPEC_FULL.md's extensibility section calls for.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tasks", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("success",
			cel.Overload("success_bool", []*cel.Type{}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return types.Bool(true) // resolved per-call via rewriteConditionFuncs
				}))),
		cel.Function("failure",
			cel.Overload("failure_bool", []*cel.Type{}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val { return types.Bool(false) }))),
		cel.Function("always",
			cel.Overload("always_bool", []*cel.Type{}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val { return types.Bool(true) }))),
		cel.Function("cancelled",
			cel.Overload("cancelled_bool", []*cel.Type{}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val { return types.Bool(false) }))),
		cel.Function("jq",
			cel.Overload("jq_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.StringType,
				cel.BinaryBinding(jqBinding))),
	)
	if err != nil {
		return nil, fmt.Errorf("building expression environment: %w", err)
	}
	return &Engine{env: env}, nil
}

func jqBinding(lhs, rhs ref.Val) ref.Val {
	jsonStr, ok1 := lhs.Value().(string)
	filter, ok2 := rhs.Value().(string)
	if !ok1 || !ok2 {
		return types.NewErr("jq: both arguments must be strings")
	}
	result, err := runJQ(jsonStr, filter)
	if err != nil {
		return types.NewErr("jq: %v", err)
	}
	return types.String(result)
}

func runJQ(jsonStr, filter string) (string, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return "", fmt.Errorf("parsing filter %q: %w", filter, err)
	}
	var input any
	if err := json.Unmarshal([]byte(jsonStr), &input); err != nil {
		return "", fmt.Errorf("parsing json: %w", err)
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if err, ok := v.(error); ok {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// condRewrite rewrites bare condition-function calls into literal booleans
// given the actual run outcome, since CEL's static function bindings above
// cannot see per-evaluation state. success()/failure() are meaningful only
// as the sole top-level expression or combined with &&/||; spec.md §4.2
// restricts them to that usage.
//
// success() and failure() are independent signals, not each other's
// negation: a dependency can end Skipped, which is neither a success nor a
// failure, so allSucceeded (every dependency ended Succeeded) and anyFailed
// (any dependency ended Failed or TimedOut) must be computed and passed in
// separately — deriving one from "not the other" lets a Skipped dependency
// make success() evaluate true.
var condCallPattern = regexp.MustCompile(`\b(success|failure|always|cancelled)\s*\(\s*\)`)

func condRewrite(expr string, allSucceeded, anyFailed, cancelled bool) string {
	return condCallPattern.ReplaceAllStringFunc(expr, func(m string) string {
		name := condCallPattern.FindStringSubmatch(m)[1]
		switch name {
		case "success":
			return boolLit(allSucceeded && !cancelled)
		case "failure":
			return boolLit(anyFailed && !cancelled)
		case "always":
			return boolLit(true)
		case "cancelled":
			return boolLit(cancelled)
		}
		return m
	})
}

func boolLit(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// EvalCondition evaluates a task's `if` expression against the scope and the
// run's aggregate outcome so far. An empty expression defaults to
// "success()", per spec.md §4.2. allDepsSucceeded and anyDepFailed are
// independent: a Skipped dependency makes both false.
func (e *Engine) EvalCondition(expression string, scope Scope, allDepsSucceeded, anyDepFailed, cancelled bool) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = "success()"
	}
	rewritten := condRewrite(expression, allDepsSucceeded, anyDepFailed, cancelled)

	ast, issues := e.env.Compile(rewritten)
	if issues != nil && issues.Err() != nil {
		return false, &errs.ExpressionEvaluation{Expr: expression, Reason: issues.Err().Error()}
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, &errs.ExpressionEvaluation{Expr: expression, Reason: err.Error()}
	}
	out, _, err := prg.Eval(map[string]any{"tasks": toCelMap(scope)})
	if err != nil {
		return false, &errs.ExpressionEvaluation{Expr: expression, Reason: err.Error()}
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, &errs.ExpressionEvaluation{Expr: expression, Reason: "condition did not evaluate to a boolean"}
	}
	return b, nil
}

var interpPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Interpolate substitutes every `{{ expr }}` occurrence in s with the string
// form of evaluating expr as a CEL expression against scope, per spec.md
// §4.2's templating rule. Dotted access like {{ tasks.task_id.output }} and
// jq(...) calls both go through the same CEL evaluation path.
func (e *Engine) Interpolate(s string, scope Scope) (string, error) {
	var firstErr error
	out := interpPattern.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := interpPattern.FindStringSubmatch(m)[1]
		val, err := e.evalToString(sub, scope)
		if err != nil {
			firstErr = &errs.ExpressionEvaluation{Expr: sub, Reason: err.Error()}
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (e *Engine) evalToString(expression string, scope Scope) (string, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return "", issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return "", err
	}
	out, _, err := prg.Eval(map[string]any{"tasks": toCelMap(scope)})
	if err != nil {
		return "", err
	}
	switch v := out.Value().(type) {
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// ScopeFromRecords builds a Scope from the orchestrator's current records,
// using model.TaskOutput's disjoint shape to pick the best textual
// representation for interpolation and jq().
func ScopeFromRecords(records map[string]model.TaskRecord) Scope {
	s := Scope{Tasks: make(map[string]TaskView, len(records))}
	for id, r := range records {
		output := r.Output.Stdout
		if output == "" && len(r.Output.RawBytes) > 0 {
			output = string(r.Output.RawBytes)
		}
		exitCode := int64(-1)
		if r.ExitCode != nil {
			exitCode = int64(*r.ExitCode)
		}
		s.Tasks[id] = TaskView{Status: string(r.Status), Output: output, ExitCode: exitCode}
	}
	return s
}
