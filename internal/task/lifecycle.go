package task

import (
	"fmt"
	"slices"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
)

// transitions lists the legal moves of the lifecycle. The empty status is a
// task which was not admitted yet.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	"":                     {model.StatusQueued},
	model.StatusQueued:     {model.StatusRunning, model.StatusCancelling},
	model.StatusRunning:    {model.StatusSuccess, model.StatusFailed, model.StatusCancelling},
	model.StatusCancelling: {model.StatusCancelled},
}

func CanTransition(from, to model.TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

func (t *Task) Status() model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Admit registers the task in reg and moves it to QUEUED. A task whose id is
// already in flight is rejected with DuplicateTaskError and its bound context
// is cancelled.
func (t *Task) Admit(reg *Registry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(model.StatusQueued); err != nil {
		return err
	}
	if err := reg.Insert(t); err != nil {
		if t.cancel != nil {
			t.cancel(err)
		}
		return err
	}
	t.transition(model.StatusQueued, nil)
	return nil
}

// Advance moves a queued task to RUNNING. Cancellation and the terminal
// statuses have their own methods.
func (t *Task) Advance(to model.TaskStatus) error {
	if to != model.StatusRunning {
		return fmt.Errorf("%w: cannot advance to %s", model.ErrInvalidTransition, to)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(to); err != nil {
		return err
	}
	t.transition(to, nil)
	return nil
}

// BeginCancel moves a queued or running task to CANCELLING and cancels the
// context returned by Bind. It reports false when the task is already being
// cancelled or has finished, a repeated cancellation is a no-op.
func (t *Task) BeginCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.check(model.StatusCancelling) != nil {
		return false
	}
	t.transition(model.StatusCancelling, nil)
	if t.cancel != nil {
		t.cancel(model.ErrCancelled)
	}
	return true
}

// Finish moves the task to the terminal status and removes it from reg in
// one step, so a finished task is never reachable from the registry. The
// loser of a race between completion and cancellation gets
// ErrInvalidTransition.
func (t *Task) Finish(reg *Registry, status model.TaskStatus, output []byte) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", model.ErrInvalidTransition, status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(status); err != nil {
		return err
	}
	reg.remove(t)
	t.transition(status, output)
	if t.cancel != nil {
		t.cancel(nil)
	}
	return nil
}

// check must be called with t.mu held.
func (t *Task) check(to model.TaskStatus) error {
	if CanTransition(t.status, to) {
		return nil
	}
	from := t.status
	if from == "" {
		from = "NEW"
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
}

// transition must be called with t.mu held, after check.
func (t *Task) transition(to model.TaskStatus, output []byte) {
	t.status = to
	if t.notify != nil {
		t.notify(model.TaskResponse{ID: t.id, Status: to, Output: output})
	}
}
