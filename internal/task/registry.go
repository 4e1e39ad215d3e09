package task

import (
	"bytes"
	"slices"
	"sync"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/google/uuid"
)

// Registry holds the in-flight tasks by id. The lock is held for map
// operations only.
type Registry struct {
	mx    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[uuid.UUID]*Task),
	}
}

// Insert adds t unless a task with the same id is in flight.
func (r *Registry) Insert(t *Task) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.tasks[t.id]; ok {
		return &model.DuplicateTaskError{ID: t.id}
	}
	r.tasks[t.id] = t
	return nil
}

func (r *Registry) Lookup(id uuid.UUID) (*Task, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// remove deletes t only when it is the registered task for its id.
func (r *Registry) remove(t *Task) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.tasks[t.id] != t {
		return false
	}
	delete(r.tasks, t.id)
	return true
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.tasks)
}

// Snapshot returns the registered tasks ordered by id.
func (r *Registry) Snapshot() []*Task {
	r.mx.RLock()
	ret := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		ret = append(ret, t)
	}
	r.mx.RUnlock()

	slices.SortFunc(ret, func(a, b *Task) int {
		return bytes.Compare(a.id[:], b.id[:])
	})
	return ret
}
