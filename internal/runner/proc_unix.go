//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcAttrs places the worker in its own process group so a negative-pid
// signal reaches every descendant.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTree(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		// Group already gone counts as terminated.
		return nil
	}
	return err
}

func terminateTree(pid int) error { return signalTree(pid, syscall.SIGTERM) }
func forceKillTree(pid int) error { return signalTree(pid, syscall.SIGKILL) }
