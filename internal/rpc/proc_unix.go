//go:build unix

package rpc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the subprocess in its own process group so a forced
// kill reaches its children too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup forcibly terminates the subprocess and its children.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
