package taskqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInterval = errors.New("taskqueue: interval must be > 0")
	ErrNilTask         = errors.New("taskqueue: nil task")
)

// TaskError is reported for every failed task execution.
//
// It is also the error returned by Process in fail-fast mode.
type TaskError struct {
	Queue      string
	Task       string
	EntryID    uuid.UUID
	EnqueuedAt time.Time
	Err        error

	// Stack is set when the task panicked.
	Stack string
}

func (e *TaskError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("%s: task %s (%s): %v", e.Queue, e.Task, e.EntryID, e.Err)
	}
	return fmt.Sprintf("task %s (%s): %v", e.Task, e.EntryID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Panicked reports whether the task panicked instead of returning an error.
func (e *TaskError) Panicked() bool { return e.Stack != "" }
