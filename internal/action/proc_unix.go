//go:build unix

package action

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group and makes a
// cancel kill the whole group, so children that inherited stdout die with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
