//go:build !windows

package task

import (
	"os"
	"os/exec"
	"syscall"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", command)
}

// setProcGroup places the child in its own process group so a kill can signal
// the shell and everything it spawned in one shot.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		// Group already gone; fall back to the process itself.
		return p.Kill()
	}
	return nil
}
