package download

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyQueued is returned when a lesson already has a non-terminal task.
	ErrAlreadyQueued = errors.New("lesson already queued")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("download task not found")

	// ErrInvalidTransition is returned when an operation does not apply to the task's status.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrInvalidRequest is returned for malformed enqueue arguments.
	ErrInvalidRequest = errors.New("invalid download request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("download manager closed")
)

// TransferError represents a network or storage failure while fetching lesson media.
type TransferError struct {
	TaskID   string // Empty when the failure happened before a task existed
	LessonID string
	Op       string // The step that failed (e.g., "probe", "open", "write")
	Err      error
}

func (e *TransferError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("transfer of lesson %s failed during %s: %v", e.LessonID, e.Op, e.Err)
	}

	return fmt.Sprintf("transfer %s of lesson %s failed during %s: %v", e.TaskID, e.LessonID, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
