// Package shellprovider maps a task's requested shell name to the
// executable and argv-building convention needed to run a command string
// through it, per spec.md §4.4. Grounded on the teacher's ShellPlugin
// command whitelist in plugins.go, generalized from an allow-listed command
// set to a full shell-name registry with a platform default.
package shellprovider

import (
	"runtime"

	"github.com/taskwave/taskwave/internal/errs"
)

// Shell describes how to invoke a command string through a given shell.
type Shell struct {
	Name       string
	Executable string
	// BuildArgs returns the argv (excluding the executable itself) needed to
	// run command through this shell.
	BuildArgs func(command string) []string
}

var registry = map[string]Shell{
	"bash": {
		Name:       "bash",
		Executable: "bash",
		BuildArgs:  func(command string) []string { return []string{"-c", command} },
	},
	"sh": {
		Name:       "sh",
		Executable: "sh",
		BuildArgs:  func(command string) []string { return []string{"-c", command} },
	},
	"zsh": {
		Name:       "zsh",
		Executable: "zsh",
		BuildArgs:  func(command string) []string { return []string{"-c", command} },
	},
	"powershell": {
		Name:       "powershell",
		Executable: "powershell",
		BuildArgs:  func(command string) []string { return []string{"-NoProfile", "-NonInteractive", "-Command", command} },
	},
	"pwsh": {
		Name:       "pwsh",
		Executable: "pwsh",
		BuildArgs:  func(command string) []string { return []string{"-NoProfile", "-NonInteractive", "-Command", command} },
	},
	"cmd": {
		Name:       "cmd",
		Executable: "cmd",
		BuildArgs:  func(command string) []string { return []string{"/C", command} },
	},
}

// Default returns the shell used when a task leaves Shell unset: "sh" on
// unix-like platforms, "cmd" on windows.
func Default() Shell {
	if runtime.GOOS == "windows" {
		return registry["cmd"]
	}
	return registry["sh"]
}

// Names lists every registered shell name, for error messages.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}

// Resolve looks up a shell by name; an empty name returns the platform
// Default. An unrecognized name is a fatal, non-retryable *errs.UnsupportedShell.
func Resolve(name string) (Shell, error) {
	if name == "" {
		return Default(), nil
	}
	s, ok := registry[name]
	if !ok {
		return Shell{}, &errs.UnsupportedShell{Name: name, Supported: Names()}
	}
	return s, nil
}
