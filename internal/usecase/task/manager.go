package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bgtask/internal/domain"
)

// Config holds configuration for the Manager.
type Config struct {
	MaxRunning      int           // max concurrently running tasks (default: 10)
	TaskTTL         time.Duration // auto-evict finished tasks after this (default: 30m)
	MaxBufferLines  int           // max retained output lines per task (default: 10000)
	CleanupInterval time.Duration // how often to run TTL eviction (default: 1m)
}

// Manager is the public contract for background tasks: start a shell command
// detached from the caller, poll buffered output by line offset, fetch task
// metadata, and kill on demand. It composes a Controller and a Registry and
// starts the TTL cleanup goroutine.
//
// Tasks are in-memory only; nothing survives a process restart.
type Manager struct {
	registry   *Registry
	controller *Controller
	config     Config
	bus        domain.EventBus
	logger     *slog.Logger
	startMu    sync.Mutex // serializes the running-count check with registration
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// NewManager creates a Manager over the given registry and controller.
func NewManager(cfg Config, registry *Registry, controller *Controller, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = 10
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = 30 * time.Minute
	}
	if cfg.MaxBufferLines <= 0 {
		cfg.MaxBufferLines = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Minute
	}

	m := &Manager{
		registry:   registry,
		controller: controller,
		config:     cfg,
		bus:        bus,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Start launches command in the background and returns its task snapshot
// immediately; it never waits for completion. A command the OS refuses to
// spawn is rejected here and never enters the registry.
func (m *Manager) Start(ctx context.Context, command string) (*domain.TaskInfo, error) {
	// Hold startMu from the count through registration so concurrent Start
	// calls cannot all observe the same running count and overshoot the limit.
	m.startMu.Lock()
	defer m.startMu.Unlock()

	running := 0
	for _, t := range m.registry.List() {
		if t.Status() == domain.TaskStatusRunning {
			running++
		}
	}
	if running >= m.config.MaxRunning {
		return nil, domain.NewSubSystemError("task", "Manager.Start", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d tasks already running", running, m.config.MaxRunning))
	}

	buf := newLineBuffer(m.config.MaxBufferLines)
	cmd, wait, err := m.controller.Spawn(command, buf)
	if err != nil {
		return nil, err
	}

	t := &Task{
		id:        m.registry.NewID(),
		command:   command,
		startedAt: time.Now(),
		output:    buf,
		cmd:       cmd,
		done:      make(chan struct{}),
		pid:       cmd.Process.Pid,
		status:    domain.TaskStatusRunning,
	}
	if err := m.registry.Register(t); err != nil {
		// ID collision should be impossible; don't leak the process, and
		// reap it so no zombie or capture goroutine survives.
		m.controller.Kill(cmd)
		go wait() //nolint:errcheck
		return nil, err
	}

	go m.waitForExit(t, wait)

	info := t.Info()
	m.emitEvent(ctx, domain.EventTaskStarted, info)
	m.logger.Info("task started", "task_id", t.id, "pid", info.PID, "command", command)
	return &info, nil
}

// Get returns a snapshot of the task with the given ID.
func (m *Manager) Get(id string) (*domain.TaskInfo, error) {
	t, ok := m.registry.Get(id)
	if !ok {
		return nil, domain.NewSubSystemError("task", "Manager.Get", domain.ErrNotFound, id)
	}
	info := t.Info()
	return &info, nil
}

// Output returns buffered output lines at positions >= offset. An unknown ID
// is an error distinct from a task with no new output, which yields an empty
// line slice.
func (m *Manager) Output(id string, offset int) (*domain.TaskOutput, error) {
	t, ok := m.registry.Get(id)
	if !ok {
		return nil, domain.NewSubSystemError("task", "Manager.Output", domain.ErrNotFound, id)
	}
	if offset < 0 {
		offset = 0
	}
	return &domain.TaskOutput{
		TaskID:     id,
		Lines:      t.output.ReadFrom(offset),
		Offset:     offset,
		TotalLines: t.output.Len(),
	}, nil
}

// List returns summary entries for all tasks.
func (m *Manager) List() []domain.TaskListEntry {
	tasks := m.registry.List()
	entries := make([]domain.TaskListEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, t.listEntry())
	}
	return entries
}

// Kill terminates a running task. It returns (true, nil) only when the kill
// signal reached the live process and this call performed the transition to
// killed; at most one caller gets true. A task already in a terminal state
// is a no-op (false, nil); an unknown ID is an error.
func (m *Manager) Kill(ctx context.Context, id string) (bool, error) {
	t, ok := m.registry.Get(id)
	if !ok {
		return false, domain.NewSubSystemError("task", "Manager.Kill", domain.ErrNotFound, id)
	}
	if !m.killTask(t) {
		return false, nil
	}

	// Wait for the exit watcher to reap the process before reporting.
	<-t.done

	m.emitEvent(ctx, domain.EventTaskKilled, t.Info())
	m.logger.Info("task killed", "task_id", id)
	return true, nil
}

// killTask performs the exclusive running -> killed transition. Holding the
// task mutex across the status check and the signal keeps the exit watcher
// from recording a competing completion.
func (m *Manager) killTask(t *Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != domain.TaskStatusRunning {
		return false
	}
	if !m.controller.Kill(t.cmd) {
		// Process vanished between the check and the signal; the exit
		// watcher records the natural exit.
		return false
	}
	now := time.Now()
	t.status = domain.TaskStatusKilled
	t.endedAt = &now
	return true
}

// Clear removes all finished (completed/failed/killed) tasks.
func (m *Manager) Clear() int {
	removed := 0
	for _, t := range m.registry.List() {
		if t.Status().Terminal() && m.registry.Remove(t.id) {
			removed++
		}
	}
	return removed
}

// Remove deletes a specific task, killing it first if still running.
func (m *Manager) Remove(ctx context.Context, id string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return domain.NewSubSystemError("task", "Manager.Remove", domain.ErrNotFound, id)
	}
	if m.killTask(t) {
		<-t.done
		m.emitEvent(ctx, domain.EventTaskKilled, t.Info())
	}
	m.registry.Remove(id)
	return nil
}

// Stop shuts down the cleanup goroutine and kills all running tasks.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	for _, t := range m.registry.List() {
		if m.killTask(t) {
			<-t.done
			m.emitEvent(ctx, domain.EventTaskKilled, t.Info())
		}
	}
}

// --- internal ---

// waitForExit reaps the process and records the running -> completed|failed
// transition unless a kill already claimed the terminal state.
func (m *Manager) waitForExit(t *Task, wait func() error) {
	err := wait()
	finished := t.finish(err)
	close(t.done)

	if finished {
		m.emitEvent(context.Background(), domain.EventTaskCompleted, t.Info())
	}
	m.logger.Info("task finished", "task_id", t.id, "status", t.Status())
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	cutoff := time.Now().Add(-m.config.TaskTTL)
	for _, t := range m.registry.List() {
		info := t.Info()
		if info.Status.Terminal() && info.EndedAt != nil && info.EndedAt.Before(cutoff) {
			m.registry.Remove(info.ID)
			m.logger.Debug("task expired", "task_id", info.ID)
		}
	}
}

func (m *Manager) emitEvent(ctx context.Context, eventType domain.EventType, payload any) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   data,
	})
}
