//go:build windows

package procrunner

import "os/exec"

// setProcessGroup is a no-op on windows; exec.CommandContext's own kill of
// the direct child is the best portable behavior without creating a job
// object, which spec.md's Non-goals exclude for this release.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
