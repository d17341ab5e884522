package backend

import (
	"context"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

// Request is one unit of work handed to a tier backend.
type Request struct {
	TaskID       string
	HypothesisID string
	Tier         poolapi.Tier
	Kind         poolapi.RequestKind
	Params       poolapi.Params
}

// Outcome is the science part of a validation result. The pool stamps the
// envelope fields (task id, tier, duration, cost) around it.
type Outcome struct {
	PhysicsValid       bool
	EconomicallyViable bool
	Confidence         float64
	Metrics            map[string]poolapi.MetricStat
}

// BatchItem pairs one outcome of a bulk call with its per-entry error. Index
// positions match the request slice.
type BatchItem struct {
	Outcome Outcome
	Err     error
}

// Backend executes validation requests against one GPU tier.
type Backend interface {
	ExecuteSingle(ctx context.Context, req Request) (Outcome, error)
	// ExecuteBatch runs several same-kind requests in one remote call and
	// returns one item per request, in order.
	ExecuteBatch(ctx context.Context, reqs []Request) ([]BatchItem, error)
	Healthy(ctx context.Context) bool
	WarmUp(ctx context.Context, count int) error
}

// TierHandle binds a tier's capacity and economics to its backend.
type TierHandle struct {
	Tier           poolapi.Tier
	Exec           Backend
	MaxConcurrency int
	CostPerHour    float64
	EstDuration    time.Duration
	ExecTimeout    time.Duration

	batchKinds map[poolapi.RequestKind]bool
}

// SupportsBatch reports whether this tier accepts bulk calls for a kind.
func (h *TierHandle) SupportsBatch(kind poolapi.RequestKind) bool {
	return h.batchKinds[kind]
}

// CostFor estimates the dollar cost of a run of the given duration at this
// tier's hourly rate.
func (h *TierHandle) CostFor(d time.Duration) float64 {
	return h.CostPerHour * d.Hours()
}
