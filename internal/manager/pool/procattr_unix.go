//go:build unix && !linux

package pool

import (
	"os/exec"
	"syscall"
)

// setProcAttr runs the child in its own process group. Pdeathsig is
// Linux-specific; on macOS/BSD orphan cleanup relies on explicit Stop calls.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
