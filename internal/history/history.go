package history

import (
	"context"
	"sync"
	"time"
)

// Record is one terminal task outcome kept for operator queries.
type Record struct {
	TaskID       string
	HypothesisID string
	Tier         string
	Kind         string
	Priority     string
	Status       string
	Error        string
	DurationMs   int64
	Cost         float64
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// Store persists terminal task records. List returns newest first.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryStore keeps the most recent records in a bounded slice. The default
// store; nothing survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	recs  []Record
	limit int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if len(s.recs) > s.limit {
		s.recs = s.recs[len(s.recs)-s.limit:]
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recs) {
		limit = len(s.recs)
	}
	out := make([]Record, 0, limit)
	for i := len(s.recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recs[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
