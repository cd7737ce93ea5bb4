package domain

import "time"

// TaskStatus represents the lifecycle state of a background task.
// It is a closed set: running is the only initial state, the rest are terminal.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusKilled    TaskStatus = "killed"
)

// Terminal reports whether no further status transition is permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusKilled
}

// TaskInfo is a point-in-time snapshot of a background task tracked by the
// task manager. The ID is the external handle for all subsequent lookups.
type TaskInfo struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	PID       int        `json:"pid,omitempty"`
	Status    TaskStatus `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TaskOutput is buffered output retrieved by line offset.
type TaskOutput struct {
	TaskID     string   `json:"task_id"`
	Lines      []string `json:"lines"`
	Offset     int      `json:"offset"`
	TotalLines int      `json:"total_lines"`
}

// TaskListEntry is a summary view of a task for the list action.
type TaskListEntry struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Status    TaskStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}
