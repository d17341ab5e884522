package backend

import (
	"fmt"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

// TierSpec is the registry's view of one configured tier. The config package
// translates its YAML/env surface into this before construction.
type TierSpec struct {
	Tier           poolapi.Tier
	Exec           Backend
	MaxConcurrency int
	CostPerHour    float64
	EstDuration    time.Duration
	ExecTimeout    time.Duration
	BatchKinds     []poolapi.RequestKind
}

// Registry holds the fixed tier set. It is immutable after construction; all
// lookups are read-only.
type Registry struct {
	handles map[poolapi.Tier]*TierHandle
	order   []poolapi.Tier
}

func NewRegistry(specs []TierSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("registry requires at least one tier")
	}
	r := &Registry{handles: make(map[poolapi.Tier]*TierHandle, len(specs))}
	for _, s := range specs {
		if s.Exec == nil {
			return nil, fmt.Errorf("tier %s: backend is required", s.Tier)
		}
		if s.MaxConcurrency <= 0 {
			return nil, fmt.Errorf("tier %s: max concurrency must be positive", s.Tier)
		}
		if _, dup := r.handles[s.Tier]; dup {
			return nil, fmt.Errorf("duplicate tier %s", s.Tier)
		}
		bk := make(map[poolapi.RequestKind]bool, len(s.BatchKinds))
		for _, k := range s.BatchKinds {
			bk[k] = true
		}
		r.handles[s.Tier] = &TierHandle{
			Tier:           s.Tier,
			Exec:           s.Exec,
			MaxConcurrency: s.MaxConcurrency,
			CostPerHour:    s.CostPerHour,
			EstDuration:    s.EstDuration,
			ExecTimeout:    s.ExecTimeout,
			batchKinds:     bk,
		}
		r.order = append(r.order, s.Tier)
	}
	return r, nil
}

func (r *Registry) Handle(tier poolapi.Tier) (*TierHandle, bool) {
	h, ok := r.handles[tier]
	return h, ok
}

// Handles returns the tiers in configuration order.
func (r *Registry) Handles() []*TierHandle {
	out := make([]*TierHandle, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.handles[t])
	}
	return out
}
