package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrUnknownTaskKey    = errors.New("unknown task key")
	ErrCancelled         = errors.New("task cancelled")
	ErrNotExited         = errors.New("process has not exited")
	ErrNotStarted        = errors.New("process not started")
	ErrOutputTooLarge    = errors.New("worker output too large")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid task request")
)

// Phase names a blocking interaction with a worker process.
type Phase string

const (
	PhaseWriteInput Phase = "write-input"
	PhaseReadOutput Phase = "read-output"
	PhaseWaitExit   Phase = "wait-exit"
)

// DuplicateTaskError is returned when a request reuses the id of a task
// which is still in flight.
type DuplicateTaskError struct {
	ID uuid.UUID
}

func (e *DuplicateTaskError) Error() string {
	return "task " + e.ID.String() + " is already in flight"
}

func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// ProcessSpawnError means the worker program for TaskKey could not be started.
type ProcessSpawnError struct {
	TaskKey string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawning worker %q: %v", e.TaskKey, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a phase exceeds its budget. The worker
// process has been killed by the time the caller observes it.
type TimeoutError struct {
	Phase   Phase
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Phase, FormatDuration(e.Timeout))
}

// WorkerFailureError means the worker exited with a non-zero status.
type WorkerFailureError struct {
	ExitCode int
	Stderr   string
}

func (e *WorkerFailureError) Error() string {
	msg := "worker exited with code " + strconv.Itoa(e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}
