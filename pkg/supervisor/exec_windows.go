//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

// prepareCommand on Windows has no process groups to set up.
func prepareCommand(cmd *exec.Cmd) {}

// terminateGroup kills the leader only; Windows has no SIGTERM.
func terminateGroup(cmd *exec.Cmd, pid int) error {
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
