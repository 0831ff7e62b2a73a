package strategy

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/taskwave/taskwave/internal/envresolve"
	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/shellprovider"
)

// ContainerStrategy builds a `container exec` invocation against an
// already-running container, per spec.md §4.4's table row for Container.
type ContainerStrategy struct{}

func (ContainerStrategy) Name() string  { return "container" }
func (ContainerStrategy) Priority() int { return 20 }

func (ContainerStrategy) CanHandle(wf model.Workflow, t model.Task) bool {
	return effectiveContainer(wf, t) != nil
}

func effectiveContainer(wf model.Workflow, t model.Task) *model.ContainerConfig {
	return wf.Container.Merge(t.Container)
}

func (ContainerStrategy) BuildConfig(wf model.Workflow, t model.Task, command string, additionalEnv map[string]string) (ExecutionConfig, error) {
	cfg := effectiveContainer(wf, t)
	if cfg == nil {
		return ExecutionConfig{}, fmt.Errorf("container strategy selected for task %q with no effective container config", t.ID)
	}
	sh, err := shellprovider.Resolve(t.Shell)
	if err != nil {
		return ExecutionConfig{}, err
	}

	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "docker"
	}

	argv := []string{"exec"}
	if cfg.Interactive {
		argv = append(argv, "-i")
	}
	if cfg.TTY {
		argv = append(argv, "-t")
	}
	if cfg.Privileged {
		argv = append(argv, "--privileged")
	}
	if cfg.User != "" {
		argv = append(argv, "-u", cfg.User)
	}
	if cfg.WorkingDir != "" {
		argv = append(argv, "-w", cfg.WorkingDir)
	}

	// Env isolation (spec.md §4.4): declared-only layering, no host env.
	env := envresolve.Resolve(false, mergeMaps(wf.Environment, additionalEnv), mergeMaps(t.Environment, cfg.Env))
	if cfg.Host != "" {
		env["CONTAINER_HOST"] = cfg.Host
	}
	for k, v := range env {
		argv = append(argv, "-e", k+"="+v)
	}

	argv = append(argv, cfg.Container, sh.Executable)
	argv = append(argv, sh.BuildArgs(command)...)

	return ExecutionConfig{
		Executable: runtime,
		Argv:       argv,
		Env:        env,
		WorkingDir: t.WorkingDir,
	}, nil
}

// Preflight inspects the target container via the Docker SDK to confirm it
// is running before the task is scheduled, instead of discovering a bad
// target through a confusing `docker exec` exit code. Only runs when the
// effective config opts in via VerifyRunning. Grounded on nevindra-oasis
// and the willesq-thand-agent reference file's Docker client usage.
func (ContainerStrategy) Preflight(ctx context.Context, wf model.Workflow, t model.Task) error {
	cfg := effectiveContainer(wf, t)
	if cfg == nil || !cfg.VerifyRunning {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &errs.TaskExecution{TaskID: t.ID, Inner: fmt.Errorf("docker client init: %w", err)}
	}
	defer cli.Close()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var inspect dockercontainer.InspectResponse
	checkErr := backoff.Retry(func() error {
		inspect, err = cli.ContainerInspect(ctx, cfg.Container)
		return err
	}, bo)
	if checkErr != nil {
		return &errs.TaskExecution{TaskID: t.ID, Inner: fmt.Errorf("container %q preflight inspect failed: %w", cfg.Container, checkErr)}
	}
	if inspect.State == nil || !inspect.State.Running {
		return &errs.TaskExecution{TaskID: t.ID, Inner: fmt.Errorf("container %q is not running", cfg.Container)}
	}
	return nil
}
