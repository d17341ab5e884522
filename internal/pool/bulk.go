package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/cache"
	"github.com/example/gpupool/internal/observability"
	"github.com/example/gpupool/pkg/poolapi"
)

// BulkItem is one entry's outcome from RunBulk, positionally aligned with
// the input specs.
type BulkItem struct {
	Result poolapi.Result
	Err    error
}

// RunBulk executes same-tier, same-kind specs through one backend bulk call,
// with cache lookups, cache writes, and metrics identical to the single-task
// path. It bypasses the queue: the batch coordinator owns admission for bulk
// work. Entry errors are reported per item; the returned error covers only
// input validation.
func (p *Pool) RunBulk(ctx context.Context, specs []poolapi.TaskSpec) ([]BulkItem, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tier, kind := specs[0].Tier, specs[0].Kind
	for _, s := range specs[1:] {
		if s.Tier != tier || s.Kind != kind {
			return nil, fmt.Errorf("bulk run requires uniform tier and kind, got %s/%s and %s/%s", tier, kind, s.Tier, s.Kind)
		}
	}
	handle, ok := p.opts.Registry.Handle(tier)
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if _, err := poolapi.ParseRequestKind(string(kind)); err != nil {
		return nil, err
	}
	if p.opts.FailFastOnHealth && !handle.Exec.Healthy(ctx) {
		return nil, ErrPoolUnavailable
	}

	items := make([]BulkItem, len(specs))
	fps := make([]string, len(specs))
	var missIdx []int
	for i, s := range specs {
		p.metrics.recordSubmitted(tier)
		if p.opts.Cache != nil {
			fps[i] = cache.Fingerprint(tier, kind, s.Params)
			if res, hit := p.opts.Cache.Get(fps[i]); hit {
				p.metrics.recordCacheHit()
				res.FromCache = true
				items[i] = BulkItem{Result: res}
				continue
			}
			p.metrics.recordCacheMiss()
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return items, nil
	}

	if handle.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handle.ExecTimeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "pool.bulk",
		attribute.String("pool.tier", string(tier)),
		attribute.String("pool.kind", string(kind)),
		attribute.Int("pool.bulk_size", len(missIdx)),
	)
	defer span.End()

	reqs := make([]backend.Request, len(missIdx))
	ids := make([]string, len(missIdx))
	for j, i := range missIdx {
		ids[j] = uuid.NewString()
		reqs[j] = backend.Request{
			TaskID:       ids[j],
			HypothesisID: specs[i].HypothesisID,
			Tier:         tier,
			Kind:         kind,
			Params:       specs[i].Params.Clone(),
		}
	}

	p.metrics.recordBulkCall()
	start := time.Now()
	results, callErr := handle.Exec.ExecuteBatch(ctx, reqs)
	duration := time.Since(start)
	if callErr != nil {
		for _, i := range missIdx {
			p.metrics.recordFailed(tier)
			items[i] = BulkItem{Err: &BatchEntryError{Index: i, Err: callErr}}
		}
		return items, nil
	}
	if len(results) != len(missIdx) {
		mismatch := fmt.Errorf("bulk call returned %d results for %d requests", len(results), len(missIdx))
		for _, i := range missIdx {
			p.metrics.recordFailed(tier)
			items[i] = BulkItem{Err: &BatchEntryError{Index: i, Err: mismatch}}
		}
		return items, nil
	}

	// The bulk call's cost is amortized evenly across the executed entries.
	costShare := handle.CostFor(duration) / float64(len(missIdx))
	for j, i := range missIdx {
		if results[j].Err != nil {
			p.metrics.recordFailed(tier)
			items[i] = BulkItem{Err: &BatchEntryError{Index: i, Err: results[j].Err}}
			continue
		}
		res := p.buildResult(ids[j], specs[i], results[j].Outcome, duration, costShare)
		if p.opts.Cache != nil && fps[i] != "" {
			p.opts.Cache.Put(fps[i], res)
		}
		p.metrics.recordCompleted(tier, duration, costShare)
		items[i] = BulkItem{Result: res}
	}
	return items, nil
}
