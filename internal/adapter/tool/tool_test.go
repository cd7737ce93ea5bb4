package tool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"bgtask/internal/domain"
	"bgtask/internal/usecase/task"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTaskManager(t *testing.T) *task.Manager {
	t.Helper()
	m := task.NewManager(task.Config{
		MaxRunning:      5,
		TaskTTL:         10 * time.Minute,
		CleanupInterval: 1 * time.Hour,
	}, task.NewRegistry(), task.NewController(newTestLogger()), nil, newTestLogger())
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

// startAndWait runs command to completion and returns its task ID.
func startAndWait(t *testing.T, m *task.Manager, command string) string {
	t.Helper()
	info, err := m.Start(context.Background(), command)
	if err != nil {
		t.Fatalf("Start(%q): %v", command, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := m.Get(info.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status.Terminal() {
			return info.ID
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %q did not finish", command)
	return ""
}

// stubApprover approves or declines every request and records the calls it saw.
type stubApprover struct {
	approve bool
	calls   []domain.ToolCall
}

func (a *stubApprover) NeedsApproval(domain.ToolCall) bool { return true }

func (a *stubApprover) RequestApproval(_ context.Context, call domain.ToolCall) (bool, error) {
	a.calls = append(a.calls, call)
	return a.approve, nil
}
