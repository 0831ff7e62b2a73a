// Package model holds the typed, immutable-after-parse representation of a
// workflow, its tasks, and the run-time state an execution accumulates.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskType selects how a task produces its output when it has no shell
// Command of its own — see Task.Plugin.
type TaskType string

const (
	TaskShell TaskType = "shell"
	TaskHTTP  TaskType = "http"
	TaskModel TaskType = "model"
)

// ExecutionStatus is the lifecycle state of a task or a whole run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
	StatusTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped, StatusTimedOut:
		return true
	default:
		return false
	}
}

// RetryPolicy controls the attempt loop in the task orchestrator.
type RetryPolicy struct {
	MaxRetries            int   `json:"max_retries" yaml:"max_retries"`
	DelayMS               int64 `json:"delay_ms" yaml:"delay_ms"`
	UseExponentialBackoff bool  `json:"use_exponential_backoff" yaml:"use_exponential_backoff"`
	MaxDelayMS            int64 `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// Disabled reports whether retries are turned off for this policy.
func (r RetryPolicy) Disabled() bool { return r.MaxRetries <= 0 }

// Attempts is the total number of attempts allowed (first try + retries).
func (r RetryPolicy) Attempts() int { return 1 + r.MaxRetries }

// DelayForAttempt returns the sleep before attempt n (1-based); delay(0) is
// always zero. Matches spec.md §3 / §8 testable property 4.
func (r RetryPolicy) DelayForAttempt(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if !r.UseExponentialBackoff {
		return time.Duration(r.DelayMS) * time.Millisecond
	}
	delay := r.DelayMS
	for i := 1; i < n; i++ {
		delay *= 2
		if r.MaxDelayMS > 0 && delay > r.MaxDelayMS {
			delay = r.MaxDelayMS
			break
		}
	}
	if r.MaxDelayMS > 0 && delay > r.MaxDelayMS {
		delay = r.MaxDelayMS
	}
	return time.Duration(delay) * time.Millisecond
}

// Timeout is a non-negative duration in milliseconds; zero disables it.
type Timeout struct {
	Milliseconds int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Duration converts the timeout to a time.Duration; zero means "no timeout",
// represented by returning 0 (callers must treat 0 as disabled).
func (t Timeout) Duration() time.Duration {
	if t.Milliseconds <= 0 {
		return 0
	}
	return time.Duration(t.Milliseconds) * time.Millisecond
}

// ContainerConfig targets the Container execution strategy.
type ContainerConfig struct {
	Container     string            `json:"container,omitempty" yaml:"container,omitempty"`
	Runtime       string            `json:"runtime,omitempty" yaml:"runtime,omitempty"` // "docker" (default) or "podman"
	Interactive   bool              `json:"interactive,omitempty" yaml:"interactive,omitempty"`
	TTY           bool              `json:"tty,omitempty" yaml:"tty,omitempty"`
	Privileged    bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Host          string            `json:"host,omitempty" yaml:"host,omitempty"`
	Disabled      bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	VerifyRunning bool              `json:"verify_running,omitempty" yaml:"verify_running,omitempty"`
}

// Merge shallow-merges task-level config (non-zero fields win) over a
// workflow-level default, per spec.md §4.4 "effective config merging".
func (c *ContainerConfig) Merge(task *ContainerConfig) *ContainerConfig {
	if c == nil && task == nil {
		return nil
	}
	out := ContainerConfig{}
	if c != nil {
		out = *c
	}
	if task != nil {
		if task.Container != "" {
			out.Container = task.Container
		}
		if task.Runtime != "" {
			out.Runtime = task.Runtime
		}
		if task.User != "" {
			out.User = task.User
		}
		if task.WorkingDir != "" {
			out.WorkingDir = task.WorkingDir
		}
		if task.Host != "" {
			out.Host = task.Host
		}
		if task.Env != nil {
			out.Env = task.Env
		}
		out.Interactive = out.Interactive || task.Interactive
		out.TTY = out.TTY || task.TTY
		out.Privileged = out.Privileged || task.Privileged
		out.Disabled = task.Disabled
		out.VerifyRunning = out.VerifyRunning || task.VerifyRunning
	}
	if out.Disabled || out.Container == "" {
		return nil
	}
	return &out
}

// SSHConfig targets the SSH execution strategy.
type SSHConfig struct {
	Host            string `json:"host,omitempty" yaml:"host,omitempty"`
	Port            int    `json:"port,omitempty" yaml:"port,omitempty"`
	User            string `json:"user,omitempty" yaml:"user,omitempty"`
	IdentityFile    string `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	RemoteShell     string `json:"remote_shell,omitempty" yaml:"remote_shell,omitempty"`
	Disabled        bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	VerifyReachable bool   `json:"verify_reachable,omitempty" yaml:"verify_reachable,omitempty"`
	ExtraArgs       []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// Merge shallow-merges task-level config over workflow-level defaults.
func (c *SSHConfig) Merge(task *SSHConfig) *SSHConfig {
	if c == nil && task == nil {
		return nil
	}
	out := SSHConfig{}
	if c != nil {
		out = *c
	}
	if task != nil {
		if task.Host != "" {
			out.Host = task.Host
		}
		if task.Port != 0 {
			out.Port = task.Port
		}
		if task.User != "" {
			out.User = task.User
		}
		if task.IdentityFile != "" {
			out.IdentityFile = task.IdentityFile
		}
		if task.RemoteShell != "" {
			out.RemoteShell = task.RemoteShell
		}
		if task.ExtraArgs != nil {
			out.ExtraArgs = task.ExtraArgs
		}
		out.Disabled = task.Disabled
		out.VerifyReachable = out.VerifyReachable || task.VerifyReachable
	}
	if out.Disabled || out.Host == "" {
		return nil
	}
	return &out
}

// OutputKind selects the disjoint shape of TaskOutput.
type OutputKind string

const (
	OutputDefault OutputKind = ""
	OutputBytes   OutputKind = "bytes"
	OutputFile    OutputKind = "file"
)

// OutputSpec declares how a task's result should be captured.
type OutputSpec struct {
	Kind          OutputKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Path          string     `json:"path,omitempty" yaml:"path,omitempty"`
	CaptureStderr bool       `json:"capture_stderr,omitempty" yaml:"capture_stderr,omitempty"`
}

// InputKind selects how a task's stdin is populated.
type InputKind string

const (
	InputNone InputKind = ""
	InputText InputKind = "text"
	InputFile InputKind = "file"
	InputPipe InputKind = "pipe"
)

// InputSpec declares how a task's stdin should be populated.
type InputSpec struct {
	Kind InputKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Text string    `json:"text,omitempty" yaml:"text,omitempty"`
	Path string    `json:"path,omitempty" yaml:"path,omitempty"`
	From string    `json:"from,omitempty" yaml:"from,omitempty"` // upstream task id, for InputPipe
}

// PluginSpec lets a task run a non-shell payload instead of a Command — see
// SPEC_FULL.md §20.
type PluginSpec struct {
	Type    TaskType               `json:"type" yaml:"type"`
	URL     string                 `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string                 `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string      `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty" yaml:"body,omitempty"`
	Model   string                 `json:"model,omitempty" yaml:"model,omitempty"`
}

// Task is one node in the workflow graph.
type Task struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command         string            `json:"command,omitempty" yaml:"command,omitempty"`
	Shell           string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	WorkingDir      string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Environment     map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	If              string            `json:"if,omitempty" yaml:"if,omitempty"`
	Retry           RetryPolicy       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout         Timeout           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Input           *InputSpec        `json:"input,omitempty" yaml:"input,omitempty"`
	Output          *OutputSpec       `json:"output,omitempty" yaml:"output,omitempty"`
	Container       *ContainerConfig  `json:"docker,omitempty" yaml:"docker,omitempty"`
	SSH             *SSHConfig        `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	Plugin          *PluginSpec       `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// DisplayName returns Name if set, else ID.
func (t Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Workflow is the validated, immutable-after-parse object the engine drives.
// Construction is the external parser/loader's responsibility; Validate only
// performs the closed-graph checks the planner needs (spec.md §4.1).
type Workflow struct {
	Name              string            `json:"name" yaml:"name"`
	Description       string            `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultTimeoutMS  int64             `json:"default_timeout_ms,omitempty" yaml:"default_timeout_ms,omitempty"`
	DefaultRetry      RetryPolicy       `json:"default_retry,omitempty" yaml:"default_retry,omitempty"`
	Environment       map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Container         *ContainerConfig  `json:"docker,omitempty" yaml:"docker,omitempty"`
	SSH               *SSHConfig        `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	Tasks             []Task            `json:"tasks" yaml:"tasks"`
}

// Validate checks task-id uniqueness (case-insensitive) and that every
// depends_on reference resolves. Cycle detection is the planner's job.
func (w Workflow) Validate() error {
	seen := make(map[string]string, len(w.Tasks))
	for _, t := range w.Tasks {
		key := strings.ToLower(t.ID)
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("duplicate task id %q (conflicts with %q)", t.ID, prev)
		}
		seen[key] = t.ID
	}
	for _, t := range w.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := seen[strings.ToLower(dep)]; !ok {
				return fmt.Errorf("task %q depends on undeclared task %q", t.ID, dep)
			}
		}
	}
	return nil
}

// TaskByID returns the task with the given id, case-insensitively.
func (w Workflow) TaskByID(id string) (Task, bool) {
	for _, t := range w.Tasks {
		if strings.EqualFold(t.ID, id) {
			return t, true
		}
	}
	return Task{}, false
}

// EffectiveRetry returns the task's retry policy, falling back to the
// workflow default when the task leaves it at the zero value.
func (w Workflow) EffectiveRetry(t Task) RetryPolicy {
	if t.Retry.MaxRetries == 0 && t.Retry.DelayMS == 0 && !t.Retry.UseExponentialBackoff {
		return w.DefaultRetry
	}
	return t.Retry
}

// EffectiveTimeout returns the task's timeout, falling back to the
// workflow default when unset.
func (w Workflow) EffectiveTimeout(t Task) Timeout {
	if t.Timeout.Milliseconds == 0 {
		return Timeout{Milliseconds: w.DefaultTimeoutMS}
	}
	return t.Timeout
}
