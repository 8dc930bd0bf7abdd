//go:build linux

package pool

import (
	"os/exec"
	"syscall"
)

// setProcAttr runs the child in its own process group and has the kernel
// SIGTERM it if the manager dies without a clean shutdown.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
