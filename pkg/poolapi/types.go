package poolapi

import (
	"fmt"
	"strings"
)

// Tier identifies a class of remote GPU capability.
type Tier string

const (
	TierLow  Tier = "low"  // T4 class: vectorized Monte Carlo
	TierMid  Tier = "mid"  // A10G class: parametric sweeps
	TierHigh Tier = "high" // A100 class: full physics validation
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierLow:
		return TierLow, nil
	case TierMid:
		return TierMid, nil
	case TierHigh:
		return TierHigh, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Tiers returns all tiers in a fixed order.
func Tiers() []Tier {
	return []Tier{TierLow, TierMid, TierHigh}
}

// Priority orders tasks within one tier queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityCritical:
		return PriorityCritical, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Rank maps a priority to its queue rank. Lower rank is served first;
// unknown priorities sort with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// RequestKind selects the validation computation to run on a tier.
type RequestKind string

const (
	KindMonteCarlo        RequestKind = "monte_carlo"
	KindParametricSweep   RequestKind = "parametric_sweep"
	KindPhysicsValidation RequestKind = "physics_validation"
	KindBatchValidation   RequestKind = "batch_validation"
)

func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMonteCarlo:
		return KindMonteCarlo, nil
	case KindParametricSweep:
		return KindParametricSweep, nil
	case KindPhysicsValidation:
		return KindPhysicsValidation, nil
	case KindBatchValidation:
		return KindBatchValidation, nil
	default:
		return "", fmt.Errorf("unknown request kind %q", s)
	}
}

// Params is the numeric parameter set of one validation request. Fingerprints
// are computed over the sorted key set, so insertion order never matters.
type Params map[string]float64

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the named parameter or a fallback when absent.
func (p Params) Get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

// TaskSpec is one validation request as submitted by a caller.
type TaskSpec struct {
	HypothesisID string      `json:"hypothesis_id"`
	Tier         Tier        `json:"tier"`
	Priority     Priority    `json:"priority"`
	Kind         RequestKind `json:"kind"`
	Params       Params      `json:"params,omitempty"`
}

// MetricStat is one named output metric of a validation run.
type MetricStat struct {
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	CI95Low  float64 `json:"ci95_low"`
	CI95High float64 `json:"ci95_high"`
}

// Result is the terminal outcome of one validation task. Created once, at
// completion or at cache replay, and never mutated afterward.
type Result struct {
	TaskID             string                `json:"task_id"`
	HypothesisID       string                `json:"hypothesis_id"`
	Tier               Tier                  `json:"tier"`
	Kind               RequestKind           `json:"kind"`
	PhysicsValid       bool                  `json:"physics_valid"`
	EconomicallyViable bool                  `json:"economically_viable"`
	Confidence         float64               `json:"confidence"`
	Metrics            map[string]MetricStat `json:"metrics,omitempty"`
	DurationMillis     int64                 `json:"duration_ms"`
	CostEstimate       float64               `json:"cost_estimate"`
	FromCache          bool                  `json:"from_cache"`
	ArtifactURI        string                `json:"artifact_uri,omitempty"`
}

// TierUtilization is a point-in-time view of one tier.
type TierUtilization struct {
	Tier           Tier    `json:"tier"`
	Active         int     `json:"active"`
	MaxConcurrency int     `json:"max_concurrency"`
	Ratio          float64 `json:"ratio"`
	QueueLength    int     `json:"queue_length"`

	// EstWaitSeconds projects how long a newly queued task would wait,
	// assuming every queued task runs for the tier's estimated duration.
	EstWaitSeconds float64 `json:"est_wait_seconds"`
}

// MetricsSnapshot is the aggregate pool counter set.
type MetricsSnapshot struct {
	Submitted         int64   `json:"submitted"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	Cancelled         int64   `json:"cancelled"`
	QueueTimeouts     int64   `json:"queue_timeouts"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	BulkCalls         int64   `json:"bulk_calls"`
	TotalCost         float64 `json:"total_cost"`
	AvgDurationMillis float64 `json:"avg_duration_ms"`

	// AvgUtilization is the mean of recent utilization samples per tier.
	AvgUtilization map[string]float64 `json:"avg_utilization,omitempty"`
}

// HTTP API payloads.

type SubmitValidationRequest struct {
	HypothesisID string  `json:"hypothesis_id"`
	Tier         string  `json:"tier"`
	Priority     string  `json:"priority"`
	Kind         string  `json:"kind"`
	Params       Params  `json:"params,omitempty"`
	TimeoutSecs  float64 `json:"timeout_seconds,omitempty"`
}

type SubmitValidationResponse struct {
	Result Result `json:"result"`
}

type SubmitBatchRequest struct {
	Specs []SubmitValidationRequest `json:"specs"`
}

type BatchEntryStatus struct {
	Index  int     `json:"index"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

type SubmitBatchResponse struct {
	Entries []BatchEntryStatus `json:"entries"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type UtilizationResponse struct {
	Tiers []TierUtilization `json:"tiers"`
}

type MetricsResponse struct {
	Pool MetricsSnapshot `json:"pool"`
}

type WarmUpRequest struct {
	Tier  string `json:"tier"`
	Count int    `json:"count"`
}

type WarmUpResponse struct {
	Accepted bool `json:"accepted"`
}

type ClearQueuesResponse struct {
	Dropped int `json:"dropped"`
}

type HistoryRecord struct {
	TaskID       string  `json:"task_id"`
	HypothesisID string  `json:"hypothesis_id"`
	Tier         string  `json:"tier"`
	Kind         string  `json:"kind"`
	Priority     string  `json:"priority"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	DurationMs   int64   `json:"duration_ms"`
	Cost         float64 `json:"cost"`
	CreatedAt    string  `json:"created_at"`
	CompletedAt  string  `json:"completed_at,omitempty"`
}

type HistoryResponse struct {
	Returned int             `json:"returned"`
	Records  []HistoryRecord `json:"records"`
}
