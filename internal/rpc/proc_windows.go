//go:build windows

package rpc

import "os/exec"

// setProcessGroup is a no-op on windows; there is no POSIX process group.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup forcibly terminates the subprocess. Child processes are
// not chased on windows.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
