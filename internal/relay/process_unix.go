//go:build !windows

package relay

import (
	"errors"
	"os/exec"
	"syscall"
)

// ffmpeg runs in its own process group so a terminate reaches any helpers
// it forks.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, kill bool) error {
	if cmd.Process == nil {
		return nil
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	pid := cmd.Process.Pid
	var err error
	if pgid, gerr := syscall.Getpgid(pid); gerr == nil && pgid > 0 {
		err = syscall.Kill(-pgid, sig)
	} else {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
