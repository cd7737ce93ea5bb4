//go:build windows

package task

import (
	"os"
	"os/exec"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

// Windows has no POSIX process groups; Kill targets the shell alone.
func setProcGroup(_ *exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}
