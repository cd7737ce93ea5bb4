package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"bgtask/internal/domain"
	"bgtask/internal/usecase/task"
)

// TasksTool exposes background task administration via function calling:
// list tasks, read buffered output by offset, kill, and clean up records.
type TasksTool struct {
	manager *task.Manager
	logger  *slog.Logger
}

// NewTasksTool creates a tasks tool backed by the given task manager.
func NewTasksTool(manager *task.Manager, logger *slog.Logger) *TasksTool {
	return &TasksTool{manager: manager, logger: logger}
}

func (t *TasksTool) Name() string { return "tasks" }
func (t *TasksTool) Description() string {
	return "Manage background tasks: run a command in the background, list running/finished tasks, read buffered output by line offset, kill tasks, and remove finished records."
}

func (t *TasksTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["run", "list", "output", "kill", "clear", "remove"],
					"description": "The operation to perform"
				},
				"command": {
					"type": "string",
					"description": "Shell command to execute (required for run)"
				},
				"task_id": {
					"type": "string",
					"description": "Task ID (required for output, kill, remove)"
				},
				"offset": {
					"type": "integer",
					"description": "Line offset to read output from (default 0)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type tasksParams struct {
	Action  string `json:"action"`
	Command string `json:"command"`
	TaskID  string `json:"task_id"`
	Offset  int    `json:"offset"`
}

func (t *TasksTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.tasks", t.logger, params,
		Dispatch(func(p tasksParams) string { return p.Action }, ActionMap[tasksParams]{
			"run": func(ctx context.Context, p tasksParams) (any, error) {
				return t.handleRun(ctx, p)
			},
			"list": func(_ context.Context, _ tasksParams) (any, error) {
				return t.handleList(), nil
			},
			"output": func(_ context.Context, p tasksParams) (any, error) {
				return t.handleOutput(p)
			},
			"kill": func(ctx context.Context, p tasksParams) (any, error) {
				return t.handleKill(ctx, p)
			},
			"clear": func(_ context.Context, _ tasksParams) (any, error) {
				return map[string]int{"cleared": t.manager.Clear()}, nil
			},
			"remove": func(ctx context.Context, p tasksParams) (any, error) {
				if err := t.handleRemove(ctx, p); err != nil {
					return nil, err
				}
				return map[string]bool{"removed": true}, nil
			},
		}),
	)
}

func (t *TasksTool) handleRun(ctx context.Context, p tasksParams) (any, error) {
	if err := RequireField("command", p.Command); err != nil {
		return nil, err
	}
	return t.manager.Start(ctx, p.Command)
}

func (t *TasksTool) handleList() any {
	entries := t.manager.List()
	if entries == nil {
		entries = []domain.TaskListEntry{}
	}
	return entries
}

func (t *TasksTool) handleOutput(p tasksParams) (any, error) {
	if err := RequireField("task_id", p.TaskID); err != nil {
		return nil, err
	}
	return t.manager.Output(p.TaskID, p.Offset)
}

func (t *TasksTool) handleKill(ctx context.Context, p tasksParams) (any, error) {
	if err := RequireField("task_id", p.TaskID); err != nil {
		return nil, err
	}
	killed, err := t.manager.Kill(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"killed": killed}, nil
}

func (t *TasksTool) handleRemove(ctx context.Context, p tasksParams) error {
	if err := RequireField("task_id", p.TaskID); err != nil {
		return err
	}
	return t.manager.Remove(ctx, p.TaskID)
}
