package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueTimeout means a task waited past the queue deadline and was
	// evicted before ever running.
	ErrQueueTimeout = errors.New("queue timeout: task evicted before execution")

	// ErrPoolUnavailable means the fail-fast health probe rejected the
	// submission before it was queued.
	ErrPoolUnavailable = errors.New("pool unavailable: tier backend failed health probe")

	// ErrPoolClosed means the pool was stopped before the task reached a
	// terminal state.
	ErrPoolClosed = errors.New("pool closed")

	// ErrCancelled means the task was cancelled while still queued.
	ErrCancelled = errors.New("task cancelled")
)

// ExecutionError wraps a backend failure for one running task.
type ExecutionError struct {
	TaskID string
	Tier   string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on tier %s (task %s): %v", e.Tier, e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BatchEntryError attributes a bulk-call failure to one entry of the input
// slice.
type BatchEntryError struct {
	Index int
	Err   error
}

func (e *BatchEntryError) Error() string {
	return fmt.Sprintf("batch entry %d: %v", e.Index, e.Err)
}

func (e *BatchEntryError) Unwrap() error { return e.Err }
