//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// jobHandle is unused on Unix; process groups are handled by the kernel.
type jobHandle struct{}

// setProcAttr puts the engine in its own process group so signals reach
// any children it spawns.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup sends sig to the process group led by pid, falling back to
// the process itself.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}

func signalTerm(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func signalKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

func (e *Engine) setupJob() error { return nil }

func (e *Engine) cleanupJob() {}
