package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bgtask/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, bus domain.EventBus) *Manager {
	t.Helper()
	m := NewManager(Config{
		MaxRunning:      5,
		TaskTTL:         10 * time.Minute,
		MaxBufferLines:  10000,
		CleanupInterval: 1 * time.Hour, // don't auto-evict during tests
	}, NewRegistry(), NewController(newTestLogger()), bus, newTestLogger())
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func waitForTask(t *testing.T, m *Manager, id string, timeout time.Duration) domain.TaskInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if info.Status.Terminal() {
			return *info
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task %s to finish", id)
	return domain.TaskInfo{}
}

func TestManagerStartEcho(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ID == "" {
		t.Error("expected non-empty task ID")
	}
	if info.Status != domain.TaskStatusRunning {
		t.Errorf("status = %q, want %q", info.Status, domain.TaskStatusRunning)
	}
	if info.PID <= 0 {
		t.Errorf("PID = %d, want > 0", info.PID)
	}
	if info.Command != "echo hello" {
		t.Errorf("command = %q, want %q", info.Command, "echo hello")
	}

	final := waitForTask(t, m, info.ID, 2*time.Second)
	if final.Status != domain.TaskStatusCompleted {
		t.Errorf("final status = %q, want %q", final.Status, domain.TaskStatusCompleted)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}

	out, err := m.Output(info.ID, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	found := false
	for _, line := range out.Lines {
		if line == "hello" {
			found = true
		}
	}
	if !found {
		t.Errorf("output %v does not contain %q", out.Lines, "hello")
	}
}

func TestManagerExitCodePropagated(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTask(t, m, info.ID, 2*time.Second)
	if final.Status != domain.TaskStatusFailed {
		t.Errorf("status = %q, want %q", final.Status, domain.TaskStatusFailed)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", final.ExitCode)
	}
}

func TestManagerCommandNotFound(t *testing.T) {
	m := newTestManager(t, nil)

	// The shell itself spawns fine and reports the missing command via its
	// exit code, so the task is queryable by ID.
	info, err := m.Start(context.Background(), "definitely-not-a-command-zz")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTask(t, m, info.ID, 2*time.Second)
	if final.Status != domain.TaskStatusFailed {
		t.Errorf("status = %q, want %q", final.Status, domain.TaskStatusFailed)
	}
	if final.ExitCode == nil || *final.ExitCode != 127 {
		t.Errorf("exit code = %v, want 127", final.ExitCode)
	}
}

func TestManagerOutputOffsets(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "echo one; echo two; echo three")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTask(t, m, info.ID, 2*time.Second)

	out, err := m.Output(info.ID, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out.TotalLines != 3 {
		t.Fatalf("TotalLines = %d, want 3 (lines=%v)", out.TotalLines, out.Lines)
	}
	if len(out.Lines) != 3 || out.Lines[0] != "one" || out.Lines[2] != "three" {
		t.Errorf("Lines = %v, want [one two three]", out.Lines)
	}

	// Incremental read from an offset.
	out, _ = m.Output(info.ID, 2)
	if len(out.Lines) != 1 || out.Lines[0] != "three" {
		t.Errorf("Output(offset=2) = %v, want [three]", out.Lines)
	}

	// Offset at or past the end yields empty lines, never an error.
	out, err = m.Output(info.ID, 3)
	if err != nil {
		t.Fatalf("Output(offset=3): %v", err)
	}
	if len(out.Lines) != 0 {
		t.Errorf("Output(offset=3) = %v, want empty", out.Lines)
	}
	out, _ = m.Output(info.ID, 99)
	if len(out.Lines) != 0 {
		t.Errorf("Output(offset=99) = %v, want empty", out.Lines)
	}

	// Negative offsets read from the beginning.
	out, _ = m.Output(info.ID, -1)
	if len(out.Lines) != 3 {
		t.Errorf("Output(offset=-1) = %v, want all 3 lines", out.Lines)
	}
}

func TestManagerOutputStderr(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "echo out_line; echo err_line >&2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForTask(t, m, info.ID, 2*time.Second)

	out, _ := m.Output(info.ID, 0)
	var haveOut, haveErr bool
	for _, line := range out.Lines {
		if line == "out_line" {
			haveOut = true
		}
		if line == "err_line" {
			haveErr = true
		}
	}
	if !haveOut || !haveErr {
		t.Errorf("Lines = %v, want both out_line and err_line", out.Lines)
	}
}

func TestManagerOutputNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Output("nonexistent", 0)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Get("nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestManagerKill(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "sleep 60")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	killed, err := m.Kill(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !killed {
		t.Fatal("Kill = false, want true for a running task")
	}

	final, _ := m.Get(info.ID)
	if final.Status != domain.TaskStatusKilled {
		t.Errorf("status after kill = %q, want %q", final.Status, domain.TaskStatusKilled)
	}
}

func TestManagerKillProcessGroup(t *testing.T) {
	m := newTestManager(t, nil)

	// The shell spawns a child; killing the task must take the child down too,
	// otherwise the exit watcher would block on the shared pipe.
	info, err := m.Start(context.Background(), "sleep 60 & wait")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	killed, err := m.Kill(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !killed {
		t.Fatal("Kill = false, want true")
	}

	final, _ := m.Get(info.ID)
	if final.Status != domain.TaskStatusKilled {
		t.Errorf("status = %q, want %q", final.Status, domain.TaskStatusKilled)
	}
}

func TestManagerKillNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Kill(context.Background(), "nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestManagerKillFinishedIsNoop(t *testing.T) {
	m := newTestManager(t, nil)

	info, _ := m.Start(context.Background(), "echo done")
	waitForTask(t, m, info.ID, 2*time.Second)

	killed, err := m.Kill(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if killed {
		t.Error("Kill on finished task = true, want false")
	}

	final, _ := m.Get(info.ID)
	if final.Status != domain.TaskStatusCompleted {
		t.Errorf("status = %q, want %q (kill must not overwrite)", final.Status, domain.TaskStatusCompleted)
	}
}

func TestManagerConcurrentKills(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "sleep 60")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			killed, err := m.Kill(context.Background(), info.ID)
			if err != nil {
				t.Errorf("Kill: %v", err)
				return
			}
			results <- killed
		}()
	}
	wg.Wait()
	close(results)

	trues := 0
	for killed := range results {
		if killed {
			trues++
		}
	}
	if trues != 1 {
		t.Errorf("%d concurrent kills returned true, want exactly 1", trues)
	}
}

func TestManagerMaxRunning(t *testing.T) {
	m := newTestManager(t, nil)

	for i := 0; i < 5; i++ {
		if _, err := m.Start(context.Background(), "sleep 30"); err != nil {
			t.Fatalf("Start[%d]: %v", i, err)
		}
	}

	_, err := m.Start(context.Background(), "echo overflow")
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Errorf("error = %v, want ErrLimitReached", err)
	}
}

func TestManagerConcurrentStartsRespectLimit(t *testing.T) {
	m := NewManager(Config{
		MaxRunning:      1,
		TaskTTL:         10 * time.Minute,
		CleanupInterval: 1 * time.Hour,
	}, NewRegistry(), NewController(newTestLogger()), nil, newTestLogger())
	t.Cleanup(func() { m.Stop(context.Background()) })

	const callers = 32
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(context.Background(), "sleep 10")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for err := range results {
		if err == nil {
			started++
		} else if !errors.Is(err, domain.ErrLimitReached) {
			t.Errorf("Start: %v, want ErrLimitReached", err)
		}
	}
	if started != 1 {
		t.Errorf("%d concurrent starts succeeded with limit 1, want exactly 1", started)
	}

	running := 0
	for _, e := range m.List() {
		if e.Status == domain.TaskStatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("%d tasks running with limit 1, want exactly 1", running)
	}
}

func TestManagerListAndClear(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	done, _ := m.Start(ctx, "echo quick")
	running, _ := m.Start(ctx, "sleep 60")
	waitForTask(t, m, done.ID, 2*time.Second)

	if got := len(m.List()); got != 2 {
		t.Errorf("List() = %d entries, want 2", got)
	}

	removed := m.Clear()
	if removed != 1 {
		t.Errorf("Clear() removed %d, want 1", removed)
	}

	entries := m.List()
	if len(entries) != 1 || entries[0].ID != running.ID {
		t.Errorf("List() after clear = %v, want only the running task", entries)
	}
}

func TestManagerRemoveRunning(t *testing.T) {
	m := newTestManager(t, nil)

	info, _ := m.Start(context.Background(), "sleep 60")
	if err := m.Remove(context.Background(), info.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Get(info.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func TestManagerStopKillsRunning(t *testing.T) {
	m := NewManager(Config{
		MaxRunning:      5,
		TaskTTL:         10 * time.Minute,
		CleanupInterval: 1 * time.Hour,
	}, NewRegistry(), NewController(newTestLogger()), nil, newTestLogger())

	ctx := context.Background()
	m.Start(ctx, "sleep 60")
	m.Start(ctx, "sleep 60")

	m.Stop(ctx)

	for _, e := range m.List() {
		if e.Status != domain.TaskStatusKilled {
			t.Errorf("task %s status = %q after Stop, want %q", e.ID, e.Status, domain.TaskStatusKilled)
		}
	}
}

func TestManagerCleanupExpired(t *testing.T) {
	m := newTestManager(t, nil)

	info, _ := m.Start(context.Background(), "echo bye")
	waitForTask(t, m, info.ID, 2*time.Second)

	// Fresh finished task survives the sweep.
	m.cleanupExpired()
	if _, err := m.Get(info.ID); err != nil {
		t.Fatalf("task evicted before TTL: %v", err)
	}

	m.config.TaskTTL = 1 * time.Nanosecond
	time.Sleep(10 * time.Millisecond)
	m.cleanupExpired()
	if _, err := m.Get(info.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after TTL sweep = %v, want ErrNotFound", err)
	}
}

func TestManagerEvents(t *testing.T) {
	bus := &recordingBus{}
	m := newTestManager(t, bus)

	info, _ := m.Start(context.Background(), "echo hi")
	waitForTask(t, m, info.ID, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	if bus.count(domain.EventTaskStarted) != 1 {
		t.Error("expected one EventTaskStarted")
	}
	if bus.count(domain.EventTaskCompleted) != 1 {
		t.Error("expected one EventTaskCompleted")
	}
}

func TestManagerKillEmitsNoCompletionEvent(t *testing.T) {
	bus := &recordingBus{}
	m := newTestManager(t, bus)

	info, _ := m.Start(context.Background(), "sleep 60")
	killed, err := m.Kill(context.Background(), info.ID)
	if err != nil || !killed {
		t.Fatalf("Kill = (%v, %v), want (true, nil)", killed, err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := bus.count(domain.EventTaskKilled); got != 1 {
		t.Errorf("EventTaskKilled count = %d, want 1", got)
	}
	if got := bus.count(domain.EventTaskCompleted); got != 0 {
		t.Errorf("EventTaskCompleted count = %d, want 0 when killed", got)
	}
}

func TestManagerOutputMonotoneGrowth(t *testing.T) {
	m := newTestManager(t, nil)

	info, err := m.Start(context.Background(), "for i in 1 2 3 4 5; do echo line$i; done")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Any earlier read must be a prefix of any later read.
	var prev []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out, err := m.Output(info.ID, 0)
		if err != nil {
			t.Fatalf("Output: %v", err)
		}
		if len(out.Lines) < len(prev) {
			t.Fatalf("output shrank from %d to %d lines", len(prev), len(out.Lines))
		}
		for i := range prev {
			if out.Lines[i] != prev[i] {
				t.Fatalf("line %d changed from %q to %q", i, prev[i], out.Lines[i])
			}
		}
		prev = out.Lines
		inf, _ := m.Get(info.ID)
		if inf.Status.Terminal() && len(prev) == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never observed all 5 lines, got %v", prev)
}
