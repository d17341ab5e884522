package pool

import (
	"sync"
	"time"

	"github.com/example/gpupool/internal/observability"
	"github.com/example/gpupool/pkg/poolapi"
)

const utilizationRingSize = 512

type utilSample struct {
	At    time.Time
	Tier  poolapi.Tier
	Ratio float64
}

// poolMetrics aggregates pool counters. The average duration is maintained
// incrementally; the utilization ring keeps the most recent samples only.
type poolMetrics struct {
	mu sync.Mutex

	submitted     int64
	completed     int64
	failed        int64
	cancelled     int64
	queueTimeouts int64
	cacheHits     int64
	cacheMisses   int64
	bulkCalls     int64
	totalCost     float64

	avgDurationMillis float64
	durationSamples   int64

	ring    []utilSample
	ringPos int

	registry *observability.Registry
}

func newPoolMetrics(reg *observability.Registry) *poolMetrics {
	if reg == nil {
		reg = observability.Default
	}
	return &poolMetrics{
		ring:     make([]utilSample, 0, utilizationRingSize),
		registry: reg,
	}
}

func (m *poolMetrics) recordSubmitted(tier poolapi.Tier) {
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
	m.registry.IncCounter("pool_tasks_submitted_total", map[string]string{"tier": string(tier)}, 1)
}

func (m *poolMetrics) recordCompleted(tier poolapi.Tier, d time.Duration, cost float64) {
	m.mu.Lock()
	m.completed++
	m.totalCost += cost
	m.durationSamples++
	m.avgDurationMillis += (float64(d.Milliseconds()) - m.avgDurationMillis) / float64(m.durationSamples)
	m.mu.Unlock()
	m.registry.IncCounter("pool_tasks_completed_total", map[string]string{"tier": string(tier)}, 1)
}

func (m *poolMetrics) recordFailed(tier poolapi.Tier) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
	m.registry.IncCounter("pool_tasks_failed_total", map[string]string{"tier": string(tier)}, 1)
}

func (m *poolMetrics) recordCancelled(tier poolapi.Tier) {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
	m.registry.IncCounter("pool_tasks_cancelled_total", map[string]string{"tier": string(tier)}, 1)
}

func (m *poolMetrics) recordQueueTimeout(tier poolapi.Tier) {
	m.mu.Lock()
	m.failed++
	m.queueTimeouts++
	m.mu.Unlock()
	m.registry.IncCounter("pool_queue_timeouts_total", map[string]string{"tier": string(tier)}, 1)
}

func (m *poolMetrics) recordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
	m.registry.IncCounter("pool_cache_hits_total", nil, 1)
}

func (m *poolMetrics) recordCacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
	m.registry.IncCounter("pool_cache_misses_total", nil, 1)
}

func (m *poolMetrics) recordBulkCall() {
	m.mu.Lock()
	m.bulkCalls++
	m.mu.Unlock()
	m.registry.IncCounter("pool_bulk_calls_total", nil, 1)
}

func (m *poolMetrics) recordUtilization(tier poolapi.Tier, active, max int) {
	ratio := 0.0
	if max > 0 {
		ratio = float64(active) / float64(max)
	}
	m.mu.Lock()
	s := utilSample{At: time.Now().UTC(), Tier: tier, Ratio: ratio}
	if len(m.ring) < utilizationRingSize {
		m.ring = append(m.ring, s)
	} else {
		m.ring[m.ringPos] = s
		m.ringPos = (m.ringPos + 1) % utilizationRingSize
	}
	m.mu.Unlock()
	m.registry.SetGauge("pool_tier_active", map[string]string{"tier": string(tier)}, float64(active))
	m.registry.SetGauge("pool_tier_utilization_ratio", map[string]string{"tier": string(tier)}, ratio)
}

// avgRecentUtilization averages the ring per tier. Caller holds m.mu.
func (m *poolMetrics) avgRecentUtilization() map[string]float64 {
	if len(m.ring) == 0 {
		return nil
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range m.ring {
		sums[string(s.Tier)] += s.Ratio
		counts[string(s.Tier)]++
	}
	out := make(map[string]float64, len(sums))
	for tier, sum := range sums {
		out[tier] = sum / float64(counts[tier])
	}
	return out
}

func (m *poolMetrics) snapshot() poolapi.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return poolapi.MetricsSnapshot{
		Submitted:         m.submitted,
		Completed:         m.completed,
		Failed:            m.failed,
		Cancelled:         m.cancelled,
		QueueTimeouts:     m.queueTimeouts,
		CacheHits:         m.cacheHits,
		CacheMisses:       m.cacheMisses,
		BulkCalls:         m.bulkCalls,
		TotalCost:         m.totalCost,
		AvgDurationMillis: m.avgDurationMillis,
		AvgUtilization:    m.avgRecentUtilization(),
	}
}
