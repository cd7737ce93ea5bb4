package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"bgtask/internal/domain"
	"bgtask/internal/usecase/task"
)

// KillShellTool terminates a background shell task. When an approver is
// supplied, the kill is gated on interactive confirmation surfacing the
// target command; declining short-circuits the kill.
type KillShellTool struct {
	manager  *task.Manager
	approver domain.ToolApprover // nil = no confirmation gate
	logger   *slog.Logger
}

// KillShellOption configures optional KillShellTool features.
type KillShellOption func(*KillShellTool)

// WithApprover gates kills on interactive confirmation.
func WithApprover(a domain.ToolApprover) KillShellOption {
	return func(t *KillShellTool) {
		t.approver = a
	}
}

// NewKillShellTool creates a kill_shell tool backed by the given task manager.
func NewKillShellTool(manager *task.Manager, logger *slog.Logger, opts ...KillShellOption) *KillShellTool {
	t := &KillShellTool{manager: manager, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *KillShellTool) Name() string { return "kill_shell" }
func (t *KillShellTool) Description() string {
	return "Terminate a running background shell task by its ID."
}

func (t *KillShellTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"shell_id": {"type": "string", "description": "ID of the background task to terminate"}
			},
			"required": ["shell_id"]
		}`),
	}
}

type killShellParams struct {
	ShellID string `json:"shell_id"`
}

func (t *KillShellTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.kill_shell", t.logger, params,
		func(ctx context.Context, span trace.Span, p killShellParams) (any, error) {
			if err := RequireField("shell_id", p.ShellID); err != nil {
				return nil, err
			}

			info, err := t.manager.Get(p.ShellID)
			if err != nil {
				return ErrResult("no background task found with id %q", p.ShellID)
			}
			if info.Status != domain.TaskStatusRunning {
				result := TextResult(fmt.Sprintf("Task %s is not running (status: %s); nothing to kill.",
					info.ID, info.Status))
				result.Display = fmt.Sprintf("kill_shell %s: already %s", info.ID, info.Status)
				return result, nil
			}

			if ok, err := t.confirm(ctx, info); err != nil {
				return nil, err
			} else if !ok {
				return ErrResult("kill of task %s (%s) was declined", info.ID, info.Command)
			}

			killed, err := t.manager.Kill(ctx, p.ShellID)
			if err != nil {
				return ErrResult("no background task found with id %q", p.ShellID)
			}
			if !killed {
				result := TextResult(fmt.Sprintf("Task %s already finished before it could be killed.", info.ID))
				result.Display = fmt.Sprintf("kill_shell %s: already finished", info.ID)
				return result, nil
			}

			t.logger.Debug("background task killed", "task_id", info.ID)
			result := TextResult(fmt.Sprintf("Killed task %s (%s).", info.ID, info.Command))
			result.Display = fmt.Sprintf("kill_shell %s: killed", info.ID)
			return result, nil
		},
	)
}

// confirm runs the optional approval gate, surfacing the target command under
// the canonical action name.
func (t *KillShellTool) confirm(ctx context.Context, info *domain.TaskInfo) (bool, error) {
	if t.approver == nil {
		return true, nil
	}

	args, _ := json.Marshal(map[string]string{
		"shell_id": info.ID,
		"command":  info.Command,
	})
	call := domain.ToolCall{Name: t.Name(), Arguments: args}
	if !t.approver.NeedsApproval(call) {
		return true, nil
	}
	return t.approver.RequestApproval(ctx, call)
}
