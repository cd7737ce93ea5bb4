package task

import (
	"os/exec"
	"sync"
	"time"

	"bgtask/internal/domain"
)

// Task is the live record of one spawned background task. The ID and command
// are immutable after creation; pid is set once at spawn. Mutable lifecycle
// fields are guarded by mu, and terminal status transitions are exclusive:
// whichever of the kill path or the exit watcher locks first wins, the other
// observes a terminal status and backs off.
type Task struct {
	id        string
	command   string
	startedAt time.Time
	output    *lineBuffer

	cmd  *exec.Cmd
	done chan struct{} // closed by the exit watcher after the process is reaped

	mu       sync.Mutex
	pid      int
	status   domain.TaskStatus
	exitCode *int
	endedAt  *time.Time
}

// ID returns the task's immutable identifier.
func (t *Task) ID() string { return t.id }

// Command returns the shell command the task was launched with.
func (t *Task) Command() string { return t.command }

// Status returns the task's current lifecycle status.
func (t *Task) Status() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Info returns a consistent point-in-time snapshot of the task.
func (t *Task) Info() domain.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return domain.TaskInfo{
		ID:        t.id,
		Command:   t.command,
		PID:       t.pid,
		Status:    t.status,
		ExitCode:  copyInt(t.exitCode),
		StartedAt: t.startedAt,
		EndedAt:   copyTime(t.endedAt),
	}
}

// listEntry returns the summary view used by Manager.List.
func (t *Task) listEntry() domain.TaskListEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return domain.TaskListEntry{
		ID:        t.id,
		Command:   t.command,
		Status:    t.status,
		StartedAt: t.startedAt,
		EndedAt:   copyTime(t.endedAt),
		ExitCode:  copyInt(t.exitCode),
	}
}

// finish records the natural exit of the process. It is a no-op returning
// false when a kill already claimed the terminal transition.
func (t *Task) finish(waitErr error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != domain.TaskStatusRunning {
		return false
	}

	now := time.Now()
	t.endedAt = &now
	if waitErr != nil {
		t.status = domain.TaskStatusFailed
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			t.exitCode = &code
		}
	} else {
		t.status = domain.TaskStatusCompleted
		code := 0
		t.exitCode = &code
	}
	return true
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
