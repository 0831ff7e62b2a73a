// Package strategy selects and builds the concrete process invocation for
// a task: Local, Container, or SSH, per spec.md §4.4. All three build the
// same ExecutionConfig shape so internal/procrunner drives every backend
// through one os/exec code path, matching the spec's literal command-line
// pseudocode for container/ssh. Grounded on the teacher's MultiTaskExecutor
// routing in task_executor.go, generalized from HTTP/Python/policy task
// types to the spec's local/container/ssh execution backends.
package strategy

import (
	"context"
	"fmt"

	"github.com/taskwave/taskwave/internal/envresolve"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/shellprovider"
)

// ExecutionConfig is the fully-resolved process invocation a Strategy
// produces, consumed uniformly by internal/procrunner.
type ExecutionConfig struct {
	Executable string
	Argv       []string
	Env        map[string]string
	WorkingDir string
}

// Strategy is the contract every execution backend implements: the
// CanHandle/BuildConfig pair spec.md §4.4 describes, plus Name, Priority
// and Preflight.
type Strategy interface {
	Name() string
	Priority() int
	CanHandle(wf model.Workflow, t model.Task) bool
	BuildConfig(wf model.Workflow, t model.Task, command string, additionalEnv map[string]string) (ExecutionConfig, error)
	// Preflight runs an optional readiness check before the task is
	// scheduled; Local's is always a no-op.
	Preflight(ctx context.Context, wf model.Workflow, t model.Task) error
}

// Select returns the first strategy (by ascending priority) whose
// CanHandle reports true. Local's priority of 100 and unconditional
// CanHandle guarantee a result as long as Local is in the list.
func Select(strategies []Strategy, wf model.Workflow, t model.Task) (Strategy, error) {
	ordered := append([]Strategy(nil), strategies...)
	sortByPriority(ordered)
	for _, s := range ordered {
		if s.CanHandle(wf, t) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no execution strategy can handle task %q", t.ID)
}

func sortByPriority(s []Strategy) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Priority() > s[j].Priority(); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Default returns the standard [SSH, Container, Local] strategy set.
func Default() []Strategy {
	return []Strategy{&SSHStrategy{}, &ContainerStrategy{}, &LocalStrategy{}}
}

// LocalStrategy spawns the task's shell directly in the task's working
// directory, with the full merged (host-included) environment.
type LocalStrategy struct{}

func (LocalStrategy) Name() string     { return "local" }
func (LocalStrategy) Priority() int    { return 100 }
func (LocalStrategy) CanHandle(model.Workflow, model.Task) bool { return true }

func (LocalStrategy) Preflight(context.Context, model.Workflow, model.Task) error { return nil }

func (LocalStrategy) BuildConfig(wf model.Workflow, t model.Task, command string, additionalEnv map[string]string) (ExecutionConfig, error) {
	sh, err := shellprovider.Resolve(t.Shell)
	if err != nil {
		return ExecutionConfig{}, err
	}
	merged := envresolve.Resolve(true, mergeMaps(wf.Environment, additionalEnv), t.Environment)
	return ExecutionConfig{
		Executable: sh.Executable,
		Argv:       sh.BuildArgs(command),
		Env:        merged,
		WorkingDir: t.WorkingDir,
	}, nil
}

func mergeMaps(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
