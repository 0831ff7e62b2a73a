//go:build !windows

package procrunner

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup isolates the child into its own process group so a
// timeout can kill the whole tree it spawned, not just the direct child.
// Grounded on 88lin-divinesense's session_manager.go (Setpgid: true).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	go func(pid int) {
		grace := processKillGrace
		<-time.After(grace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}(cmd.Process.Pid)
}
