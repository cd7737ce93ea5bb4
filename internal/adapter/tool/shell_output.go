package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"bgtask/internal/domain"
	"bgtask/internal/infra/tracer"
	"bgtask/internal/usecase/task"
)

// BashOutputTool fetches output buffered by a background shell task since the
// last fetch. It keeps a per-task read cursor so repeated calls return only
// new lines; filtering is applied here on the retrieved lines, never inside
// the manager.
type BashOutputTool struct {
	manager *task.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	cursors map[string]int // task ID -> next unread line offset
}

// NewBashOutputTool creates a bash_output tool backed by the given task manager.
func NewBashOutputTool(manager *task.Manager, logger *slog.Logger) *BashOutputTool {
	return &BashOutputTool{
		manager: manager,
		logger:  logger,
		cursors: make(map[string]int),
	}
}

func (t *BashOutputTool) Name() string { return "bash_output" }
func (t *BashOutputTool) Description() string {
	return "Retrieve output from a background shell task. Returns only output produced since the last call, optionally filtered by a regular expression."
}

func (t *BashOutputTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"bash_id": {"type": "string", "description": "ID of the background task to read output from"},
				"filter": {"type": "string", "description": "Optional regular expression; only matching lines are returned"}
			},
			"required": ["bash_id"]
		}`),
	}
}

type bashOutputParams struct {
	BashID string `json:"bash_id"`
	Filter string `json:"filter,omitempty"`
}

func (t *BashOutputTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.bash_output", t.logger, params,
		func(ctx context.Context, span trace.Span, p bashOutputParams) (any, error) {
			if err := RequireField("bash_id", p.BashID); err != nil {
				return nil, err
			}

			info, err := t.manager.Get(p.BashID)
			if err != nil {
				return ErrResult("no background task found with id %q", p.BashID)
			}

			// Compile the filter before touching the output so a bad pattern
			// aborts the whole operation, cursor untouched.
			var filter *regexp.Regexp
			if p.Filter != "" {
				filter, err = regexp.Compile(p.Filter)
				if err != nil {
					return ErrResult("invalid filter pattern %q: %v", p.Filter, err)
				}
			}

			offset := t.cursor(p.BashID)
			out, err := t.manager.Output(p.BashID, offset)
			if err != nil {
				return ErrResult("no background task found with id %q", p.BashID)
			}
			t.setCursor(p.BashID, out.TotalLines)
			span.SetAttributes(
				tracer.StringAttr("task.status", string(info.Status)),
				tracer.IntAttr("task.new_lines", len(out.Lines)),
			)

			lines := out.Lines
			if filter != nil {
				matched := make([]string, 0, len(lines))
				for _, line := range lines {
					if filter.MatchString(line) {
						matched = append(matched, line)
					}
				}
				result := t.report(info, out, lines, matched, true)
				result.Display = fmt.Sprintf("bash_output %s: %s, %d/%d new lines matched",
					info.ID, info.Status, len(matched), len(lines))
				return result, nil
			}

			result := t.report(info, out, lines, lines, false)
			result.Display = fmt.Sprintf("bash_output %s: %s, %d new lines", info.ID, info.Status, len(lines))
			return result, nil
		},
	)
}

// report builds the verbose form: status line, optional PID line, line counts,
// and the (filtered) output joined by newlines.
func (t *BashOutputTool) report(info *domain.TaskInfo, out *domain.TaskOutput, read, shown []string, filtered bool) *domain.ToolResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s status: %s", info.ID, info.Status)
	if info.ExitCode != nil {
		fmt.Fprintf(&b, " (exit code %d)", *info.ExitCode)
	}
	b.WriteByte('\n')
	if info.PID > 0 {
		fmt.Fprintf(&b, "PID: %d\n", info.PID)
	}
	fmt.Fprintf(&b, "Buffered lines: %d\n", out.TotalLines)
	if filtered {
		fmt.Fprintf(&b, "Matched lines: %d of %d\n", len(shown), len(read))
	}
	if len(shown) > 0 {
		b.WriteString("Output:\n")
		b.WriteString(strings.Join(shown, "\n"))
	} else {
		b.WriteString("(no new output)")
	}
	return TextResult(b.String())
}

func (t *BashOutputTool) cursor(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[id]
}

func (t *BashOutputTool) setCursor(id string, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[id] = offset
}
