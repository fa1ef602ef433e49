//go:build windows

package runner

import (
	"errors"
	"os/exec"
	"strconv"
)

func setProcAttrs(cmd *exec.Cmd) {}

// taskkill /T walks the child tree for us; an exit error means the pid was
// already gone, which counts as terminated.
func runTaskkill(pid int, force bool) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	err := exec.Command("taskkill", args...).Run()
	var ee *exec.ExitError
	if err == nil || errors.As(err, &ee) {
		return nil
	}
	return err
}

func terminateTree(pid int) error { return runTaskkill(pid, false) }
func forceKillTree(pid int) error { return runTaskkill(pid, true) }
