package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/pool"
	"github.com/example/gpupool/pkg/poolapi"
)

// Runner is the pool surface the coordinator drives.
type Runner interface {
	Submit(ctx context.Context, spec poolapi.TaskSpec) (poolapi.Result, error)
	RunBulk(ctx context.Context, specs []poolapi.TaskSpec) ([]pool.BulkItem, error)
}

// Coordinator partitions a batch of specs by (tier, kind) and routes each
// group either through one bulk backend call or through individual pool
// submissions. Results come back in input order; failures are attributed
// per entry and never abort the rest of the batch.
type Coordinator struct {
	runner   Runner
	registry *backend.Registry
}

func NewCoordinator(runner Runner, registry *backend.Registry) *Coordinator {
	return &Coordinator{runner: runner, registry: registry}
}

type groupKey struct {
	tier poolapi.Tier
	kind poolapi.RequestKind
}

func (c *Coordinator) SubmitBatch(ctx context.Context, specs []poolapi.TaskSpec) ([]poolapi.BatchEntryStatus, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("batch requires at least one spec")
	}

	groups := make(map[groupKey][]int)
	for i, s := range specs {
		k := groupKey{tier: s.Tier, kind: s.Kind}
		groups[k] = append(groups[k], i)
	}

	entries := make([]poolapi.BatchEntryStatus, len(specs))
	var wg sync.WaitGroup
	for k, idx := range groups {
		if c.bulkEligible(k, len(idx)) {
			wg.Add(1)
			go func(k groupKey, idx []int) {
				defer wg.Done()
				c.runBulkGroup(ctx, specs, idx, entries)
			}(k, idx)
			continue
		}
		for _, i := range idx {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := c.runner.Submit(ctx, specs[i])
				entries[i] = entryFor(i, res, err)
			}(i)
		}
	}
	wg.Wait()
	return entries, nil
}

// bulkEligible requires at least two entries and a tier backend that
// declares bulk support for the kind.
func (c *Coordinator) bulkEligible(k groupKey, n int) bool {
	if n < 2 {
		return false
	}
	h, ok := c.registry.Handle(k.tier)
	if !ok {
		return false
	}
	return h.SupportsBatch(k.kind)
}

func (c *Coordinator) runBulkGroup(ctx context.Context, specs []poolapi.TaskSpec, idx []int, entries []poolapi.BatchEntryStatus) {
	group := make([]poolapi.TaskSpec, len(idx))
	for j, i := range idx {
		group[j] = specs[i]
	}
	items, err := c.runner.RunBulk(ctx, group)
	if err != nil {
		for _, i := range idx {
			entries[i] = entryFor(i, poolapi.Result{}, &pool.BatchEntryError{Index: i, Err: err})
		}
		return
	}
	for j, i := range idx {
		entries[i] = entryFor(i, items[j].Result, items[j].Err)
	}
}

func entryFor(i int, res poolapi.Result, err error) poolapi.BatchEntryStatus {
	if err != nil {
		return poolapi.BatchEntryStatus{Index: i, OK: false, Error: err.Error()}
	}
	r := res
	return poolapi.BatchEntryStatus{Index: i, OK: true, Result: &r}
}
