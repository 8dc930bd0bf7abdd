//go:build windows

package pool

import (
	"fmt"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminate sends a graceful shutdown request. Without /F, taskkill sends
// WM_CLOSE, the closest Windows equivalent of SIGTERM.
func terminate(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

func kill(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
