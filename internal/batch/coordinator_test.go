package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/pool"
	"github.com/example/gpupool/pkg/poolapi"
)

type fakeRunner struct {
	mu      sync.Mutex
	submits []string
	bulks   [][]string
	failFor map[string]error
}

func (f *fakeRunner) Submit(ctx context.Context, spec poolapi.TaskSpec) (poolapi.Result, error) {
	f.mu.Lock()
	f.submits = append(f.submits, spec.HypothesisID)
	f.mu.Unlock()
	if err := f.failFor[spec.HypothesisID]; err != nil {
		return poolapi.Result{}, err
	}
	return poolapi.Result{TaskID: "single-" + spec.HypothesisID, HypothesisID: spec.HypothesisID}, nil
}

func (f *fakeRunner) RunBulk(ctx context.Context, specs []poolapi.TaskSpec) ([]pool.BulkItem, error) {
	group := make([]string, len(specs))
	items := make([]pool.BulkItem, len(specs))
	for i, s := range specs {
		group[i] = s.HypothesisID
		if err := f.failFor[s.HypothesisID]; err != nil {
			items[i] = pool.BulkItem{Err: &pool.BatchEntryError{Index: i, Err: err}}
			continue
		}
		items[i] = pool.BulkItem{Result: poolapi.Result{TaskID: "bulk-" + s.HypothesisID, HypothesisID: s.HypothesisID}}
	}
	f.mu.Lock()
	f.bulks = append(f.bulks, group)
	f.mu.Unlock()
	return items, nil
}

func testRegistry(t *testing.T) *backend.Registry {
	t.Helper()
	reg, err := backend.NewRegistry([]backend.TierSpec{
		{
			Tier:           poolapi.TierLow,
			Exec:           backend.NewSim(0),
			MaxConcurrency: 2,
			BatchKinds:     []poolapi.RequestKind{poolapi.KindMonteCarlo},
		},
		{
			Tier:           poolapi.TierHigh,
			Exec:           backend.NewSim(0),
			MaxConcurrency: 1,
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func bspec(hyp string, tier poolapi.Tier, kind poolapi.RequestKind) poolapi.TaskSpec {
	return poolapi.TaskSpec{HypothesisID: hyp, Tier: tier, Priority: poolapi.PriorityNormal, Kind: kind}
}

func TestSubmitBatchGroupsEligibleWork(t *testing.T) {
	f := &fakeRunner{}
	c := NewCoordinator(f, testRegistry(t))

	specs := []poolapi.TaskSpec{
		bspec("mc-1", poolapi.TierLow, poolapi.KindMonteCarlo),
		bspec("sweep-1", poolapi.TierLow, poolapi.KindParametricSweep),
		bspec("mc-2", poolapi.TierLow, poolapi.KindMonteCarlo),
		bspec("phys-1", poolapi.TierHigh, poolapi.KindPhysicsValidation),
		bspec("mc-3", poolapi.TierLow, poolapi.KindMonteCarlo),
	}
	entries, err := c.SubmitBatch(context.Background(), specs)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Index != i || !e.OK || e.Result == nil {
			t.Fatalf("entry %d malformed: %+v", i, e)
		}
		if e.Result.HypothesisID != specs[i].HypothesisID {
			t.Fatalf("entry %d out of order: got %s", i, e.Result.HypothesisID)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bulks) != 1 || len(f.bulks[0]) != 3 {
		t.Fatalf("expected one bulk group of 3, got %v", f.bulks)
	}
	if len(f.submits) != 2 {
		t.Fatalf("non-eligible entries must go through Submit, got %v", f.submits)
	}
}

func TestSubmitBatchSizeOneFallsThrough(t *testing.T) {
	f := &fakeRunner{}
	c := NewCoordinator(f, testRegistry(t))

	entries, err := c.SubmitBatch(context.Background(), []poolapi.TaskSpec{
		bspec("solo", poolapi.TierLow, poolapi.KindMonteCarlo),
	})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if !entries[0].OK {
		t.Fatalf("solo entry failed: %+v", entries[0])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bulks) != 0 || len(f.submits) != 1 {
		t.Fatalf("a group of one must not bulk: bulks=%v submits=%v", f.bulks, f.submits)
	}
}

func TestSubmitBatchPartialFailures(t *testing.T) {
	f := &fakeRunner{failFor: map[string]error{
		"mc-bad":     errors.New("nan in trajectory"),
		"single-bad": errors.New("backend unreachable"),
	}}
	c := NewCoordinator(f, testRegistry(t))

	entries, err := c.SubmitBatch(context.Background(), []poolapi.TaskSpec{
		bspec("mc-ok", poolapi.TierLow, poolapi.KindMonteCarlo),
		bspec("mc-bad", poolapi.TierLow, poolapi.KindMonteCarlo),
		bspec("single-bad", poolapi.TierHigh, poolapi.KindPhysicsValidation),
	})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if !entries[0].OK {
		t.Fatalf("healthy bulk entry failed: %+v", entries[0])
	}
	if entries[1].OK || entries[1].Error == "" {
		t.Fatalf("failed bulk entry must carry its error: %+v", entries[1])
	}
	if entries[2].OK || entries[2].Error == "" {
		t.Fatalf("failed single entry must carry its error: %+v", entries[2])
	}
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	c := NewCoordinator(&fakeRunner{}, testRegistry(t))
	if _, err := c.SubmitBatch(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}
