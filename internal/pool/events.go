package pool

import (
	"sync"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
	EventCancelled = "cancelled"
)

// Event is an observability record of one task transition. Events are
// advisory; task outcomes are delivered on per-task channels, never through
// the bus.
type Event struct {
	Type         string       `json:"type"`
	TaskID       string       `json:"task_id"`
	HypothesisID string       `json:"hypothesis_id"`
	Tier         poolapi.Tier `json:"tier"`
	Priority     string       `json:"priority"`
	Reason       string       `json:"reason,omitempty"`
	At           time.Time    `json:"at"`
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Subscribe(buffer int) (int, <-chan Event) {
	if buffer < 1 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
