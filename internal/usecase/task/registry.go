package task

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"bgtask/internal/domain"
)

// Registry is the process-wide store of task records, keyed by task ID.
// It is explicitly constructed and passed to collaborators; there is no
// package-level instance.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// NewID returns a fresh ULID task identifier. IDs are never reused: a removed
// task's ID stays retired.
func (r *Registry) NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Register inserts a new task keyed by its ID. A colliding ID is a programming
// invariant violation and is reported as ErrDuplicate.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.id]; exists {
		return domain.NewSubSystemError("task", "Registry.Register", domain.ErrDuplicate, t.id)
	}
	r.tasks[t.id] = t
	return nil
}

// Get returns the task for the given ID.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns all registered tasks in unspecified order.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// Remove deletes the task with the given ID. Returns false if absent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
