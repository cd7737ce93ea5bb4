package task

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"bgtask/internal/domain"
)

// maxCaptureLineBytes bounds a single captured line. Longer lines abort the
// scanner; the remainder of the stream is drained so Wait never blocks on a
// full pipe.
const maxCaptureLineBytes = 1024 * 1024

// Controller spawns shell commands detached from the caller's request
// lifecycle and owns the platform-specific signal delivery used to
// terminate them.
type Controller struct {
	logger *slog.Logger
}

// NewController creates a process controller.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger}
}

// Spawn starts command through the platform shell with both output streams
// wired into buf via capture goroutines. The returned wait function blocks
// until the process has exited and both streams are drained, then returns
// the process's exit error (nil on exit code 0).
//
// A spawn-level failure is returned immediately as ErrSpawnFailed with the
// OS error preserved; no goroutines are left behind.
func (c *Controller) Spawn(command string, buf *lineBuffer) (*exec.Cmd, func() error, error) {
	cmd := shellCommand(command)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, domain.NewSubSystemError("task", "Controller.Spawn", domain.ErrSpawnFailed, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, domain.NewSubSystemError("task", "Controller.Spawn", domain.ErrSpawnFailed, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, domain.NewSubSystemError("task", "Controller.Spawn", domain.ErrSpawnFailed, err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go c.capture(stdout, buf, &wg)
	go c.capture(stderr, buf, &wg)

	wait := func() error {
		wg.Wait()
		return cmd.Wait()
	}
	return cmd, wait, nil
}

// Kill signals the task's whole process group so children spawned by the
// shell die with it. Returns true only if the signal reached a still-live
// process; false means the process had already gone away, which is a benign
// race, not an error.
func (c *Controller) Kill(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return false
	}
	if err := killProcess(cmd.Process); err != nil {
		c.logger.Debug("kill signal not delivered", "pid", cmd.Process.Pid, "error", err)
		return false
	}
	return true
}

// capture continuously reads one stream, splitting on line boundaries and
// appending completed lines to the shared buffer until EOF.
func (c *Controller) capture(r io.ReadCloser, buf *lineBuffer, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCaptureLineBytes)
	for sc.Scan() {
		buf.Append(sc.Text())
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("output capture ended early", "error", err)
		io.Copy(io.Discard, r) //nolint:errcheck // drain so Wait can reap
	}
}
