//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// prepareCommand puts the child in its own process group so the whole
// tree can be signalled at once.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to every process in the group led by pid.
func terminateGroup(cmd *exec.Cmd, pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
