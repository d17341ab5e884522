package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/gpupool/pkg/poolapi"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var enqueueSeq atomic.Uint64

// outcome is the terminal resolution delivered to each waiter. Exactly one
// of Result/Err carries the answer.
type outcome struct {
	Result poolapi.Result
	Err    error
}

// Task is one queued or running validation request. All fields are owned by
// the scheduler loop after enqueue; executors receive an immutable view.
type Task struct {
	ID            string
	Spec          poolapi.TaskSpec
	Fingerprint   string
	Status        string
	FailReason    string
	Seq           uint64
	EnqueuedAt    time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	QueueDeadline time.Time

	waiters []chan outcome
}

func newTask(spec poolapi.TaskSpec, fp string, now time.Time, queueTimeout time.Duration) *Task {
	return &Task{
		ID:            uuid.NewString(),
		Spec:          spec,
		Fingerprint:   fp,
		Status:        StatusQueued,
		Seq:           enqueueSeq.Add(1),
		EnqueuedAt:    now,
		QueueDeadline: now.Add(queueTimeout),
	}
}

func (t *Task) addWaiter() <-chan outcome {
	ch := make(chan outcome, 1)
	t.waiters = append(t.waiters, ch)
	return ch
}

func (t *Task) resolve(o outcome) {
	for _, ch := range t.waiters {
		ch <- o
	}
	t.waiters = nil
}
