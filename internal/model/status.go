package model

import (
	"fmt"
)

// TaskStatus is the lifecycle state of a task as reported on the response topic.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusRunning    TaskStatus = "RUNNING"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelling TaskStatus = "CANCELLING"
	StatusCancelled  TaskStatus = "CANCELLED"
)

var statuses = []TaskStatus{
	StatusQueued,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusCancelling,
	StatusCancelled,
}

// Statuses returns all known statuses in lifecycle order.
func Statuses() []TaskStatus {
	return append([]TaskStatus(nil), statuses...)
}

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string {
	return string(s)
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown task status %q", string(s))
	}
	return []byte(s), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	status := TaskStatus(text)
	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", string(text))
	}
	*s = status
	return nil
}
