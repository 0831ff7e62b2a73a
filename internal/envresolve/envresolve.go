// Package envresolve computes the final environment map handed to a task
// process, per spec.md §4.3's layering rule: ambient host env, then workflow
// Environment, then task Environment, each layer overriding the last by key.
// Grounded on the teacher's getEnvDefault helper in task_executor.go,
// generalized from single-key lookups to the full layered-map merge.
package envresolve

import (
	"os"
	"strings"
	"sync"
)

// hostEnv is read once and cached; os.Environ() is immutable for the
// process lifetime as far as this engine is concerned.
var (
	hostEnvOnce sync.Once
	hostEnv     map[string]string
)

func ambientEnv() map[string]string {
	hostEnvOnce.Do(func() {
		environ := os.Environ()
		hostEnv = make(map[string]string, len(environ))
		for _, kv := range environ {
			if k, v, ok := strings.Cut(kv, "="); ok {
				hostEnv[k] = v
			}
		}
	})
	return hostEnv
}

// Resolve layers workflow and task environment maps over the ambient host
// environment. When includeHost is false (remote SSH/container strategies
// do not want the local host's env leaking into the remote process), the
// ambient layer is skipped entirely.
func Resolve(includeHost bool, workflowEnv, taskEnv map[string]string) map[string]string {
	out := make(map[string]string)
	if includeHost {
		for k, v := range ambientEnv() {
			out[k] = v
		}
	}
	for k, v := range workflowEnv {
		out[k] = v
	}
	for k, v := range taskEnv {
		out[k] = v
	}
	return out
}

// ToSlice renders a resolved environment map as "K=V" pairs suitable for
// exec.Cmd.Env.
func ToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
