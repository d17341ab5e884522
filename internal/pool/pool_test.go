package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/cache"
	"github.com/example/gpupool/internal/observability"
	"github.com/example/gpupool/pkg/poolapi"
)

type fakeBackend struct {
	mu        sync.Mutex
	order     []string
	calls     int
	batches   int
	current   int
	maxSeen   int
	warmCount int
	gate      chan struct{}
	failFor   map[string]error
	unhealthy bool
}

func (f *fakeBackend) setGate(g chan struct{}) {
	f.mu.Lock()
	f.gate = g
	f.mu.Unlock()
}

func (f *fakeBackend) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *fakeBackend) ExecuteSingle(ctx context.Context, req backend.Request) (backend.Outcome, error) {
	f.mu.Lock()
	f.order = append(f.order, req.HypothesisID)
	f.calls++
	f.current++
	if f.current > f.maxSeen {
		f.maxSeen = f.current
	}
	gate := f.gate
	failErr := f.failFor[req.HypothesisID]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.Outcome{}, ctx.Err()
		}
	}
	if failErr != nil {
		return backend.Outcome{}, failErr
	}
	return backend.Outcome{PhysicsValid: true, Confidence: 0.9}, nil
}

func (f *fakeBackend) ExecuteBatch(ctx context.Context, reqs []backend.Request) ([]backend.BatchItem, error) {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	items := make([]backend.BatchItem, len(reqs))
	for i, r := range reqs {
		out, err := f.ExecuteSingle(ctx, r)
		items[i] = backend.BatchItem{Outcome: out, Err: err}
	}
	return items, nil
}

func (f *fakeBackend) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy
}

func (f *fakeBackend) WarmUp(ctx context.Context, count int) error {
	f.mu.Lock()
	f.warmCount += count
	f.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T, f *fakeBackend, mutate func(*Options)) *Pool {
	t.Helper()
	reg, err := backend.NewRegistry([]backend.TierSpec{{
		Tier:           poolapi.TierLow,
		Exec:           f,
		MaxConcurrency: 2,
		CostPerHour:    0.40,
		ExecTimeout:    5 * time.Second,
		BatchKinds:     []poolapi.RequestKind{poolapi.KindMonteCarlo},
	}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	opts := Options{
		Registry:     reg,
		Metrics:      observability.NewRegistry(),
		TickInterval: 10 * time.Millisecond,
		QueueTimeout: 2 * time.Second,
		SubmitMargin: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func spec(hypothesis string, prio poolapi.Priority, params poolapi.Params) poolapi.TaskSpec {
	return poolapi.TaskSpec{
		HypothesisID: hypothesis,
		Tier:         poolapi.TierLow,
		Priority:     prio,
		Kind:         poolapi.KindMonteCarlo,
		Params:       params,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int)
	for _, s := range a {
		set[s]++
	}
	for _, s := range b {
		set[s]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}

func TestAdmissionOrderHonorsPriorityAndArrival(t *testing.T) {
	f := &fakeBackend{}
	phase1 := make(chan struct{})
	phase2 := make(chan struct{})
	f.setGate(phase1)

	p := newTestPool(t, f, func(o *Options) { o.TickInterval = 100 * time.Millisecond })

	ctx := context.Background()
	order := []poolapi.TaskSpec{
		spec("low-1", poolapi.PriorityLow, nil),
		spec("high-1", poolapi.PriorityHigh, nil),
		spec("normal-1", poolapi.PriorityNormal, nil),
		spec("critical-1", poolapi.PriorityCritical, nil),
		spec("low-2", poolapi.PriorityLow, nil),
	}
	var chans []<-chan outcome
	for _, s := range order {
		_, ch, err := p.enqueue(ctx, s)
		if err != nil {
			t.Fatalf("enqueue %s: %v", s.HypothesisID, err)
		}
		chans = append(chans, ch)
	}

	// First admission fills both slots with the highest-priority work.
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 2 })
	if got := f.started(); !sameSet(got, []string{"critical-1", "high-1"}) {
		t.Fatalf("first wave should be critical-1 and high-1, got %v", got)
	}

	f.setGate(phase2)
	close(phase1)
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 4 })
	if got := f.started()[2:4]; !sameSet(got, []string{"normal-1", "low-1"}) {
		t.Fatalf("second wave should be normal-1 and low-1, got %v", got)
	}

	f.setGate(nil)
	close(phase2)
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 5 })
	if got := f.started()[4]; got != "low-2" {
		t.Fatalf("last admitted should be low-2, got %s", got)
	}

	for i, ch := range chans {
		o := <-ch
		if o.Err != nil {
			t.Fatalf("task %d failed: %v", i, o.Err)
		}
	}
}

func TestConcurrencyBoundUnderLoad(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	f.setGate(gate)
	p := newTestPool(t, f, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Submit(ctx, spec("load", poolapi.PriorityNormal, nil)); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}

	waitFor(t, 2*time.Second, func() bool {
		u := p.Utilization()
		return len(u) == 1 && u[0].Active == 2 && u[0].QueueLength == 4
	})
	u := p.Utilization()[0]
	if u.Ratio != 1.0 || u.MaxConcurrency != 2 {
		t.Fatalf("unexpected utilization %+v", u)
	}

	close(gate)
	wg.Wait()

	f.mu.Lock()
	maxSeen := f.maxSeen
	f.mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("concurrency bound violated: %d simultaneous executions", maxSeen)
	}
	if m := p.Metrics(); m.Completed != 6 || m.Submitted != 6 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestQueueTimeoutEvictsWithoutRunning(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	f.setGate(gate)
	p := newTestPool(t, f, func(o *Options) {
		o.QueueTimeout = 100 * time.Millisecond
	})

	ctx := context.Background()
	// Fill both slots so the victim can never be admitted.
	for i := 0; i < 2; i++ {
		if _, _, err := p.enqueue(ctx, spec("blocker", poolapi.PriorityCritical, nil)); err != nil {
			t.Fatalf("enqueue blocker: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 2 })

	_, victim, err := p.enqueue(ctx, spec("victim", poolapi.PriorityLow, nil))
	if err != nil {
		t.Fatalf("enqueue victim: %v", err)
	}

	select {
	case o := <-victim:
		if !errors.Is(o.Err, ErrQueueTimeout) {
			t.Fatalf("expected ErrQueueTimeout, got %v", o.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("victim never resolved")
	}
	if got := len(f.started()); got != 2 {
		t.Fatalf("victim must never reach the backend, saw %d starts", got)
	}
	if m := p.Metrics(); m.QueueTimeouts != 1 || m.Failed != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	close(gate)
}

func TestCancelQueuedOnly(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	f.setGate(gate)
	p := newTestPool(t, f, nil)

	ctx := context.Background()
	var runningID string
	for i := 0; i < 2; i++ {
		id, _, err := p.enqueue(ctx, spec("blocker", poolapi.PriorityCritical, nil))
		if err != nil {
			t.Fatalf("enqueue blocker: %v", err)
		}
		runningID = id
	}
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 2 })

	id, ch, err := p.enqueue(ctx, spec("pending", poolapi.PriorityLow, nil))
	if err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}
	if !p.Cancel(id) {
		t.Fatalf("expected queued task to cancel")
	}
	o := <-ch
	if !errors.Is(o.Err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", o.Err)
	}
	if p.Cancel(id) {
		t.Fatalf("second cancel must report false")
	}
	if p.Cancel(runningID) {
		t.Fatalf("running task must not be cancellable")
	}
	if m := p.Metrics(); m.Cancelled != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	close(gate)
}

func TestCacheReplaySkipsExecution(t *testing.T) {
	f := &fakeBackend{}
	p := newTestPool(t, f, func(o *Options) {
		o.Cache = cache.New(time.Minute, 100)
	})

	ctx := context.Background()
	s := spec("hyp-cache", poolapi.PriorityNormal, poolapi.Params{"efficiency_mean": 0.3})
	first, err := p.Submit(ctx, s)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first result must not come from cache")
	}

	second, err := p.Submit(ctx, s)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("second result must replay from cache")
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("replay must carry the original task id: %s vs %s", second.TaskID, first.TaskID)
	}
	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls)
	}
	if m := p.Metrics(); m.CacheHits != 1 || m.CacheMisses != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestFailureIsolation(t *testing.T) {
	f := &fakeBackend{failFor: map[string]error{"bad": errors.New("cuda out of memory")}}
	p := newTestPool(t, f, nil)

	ctx := context.Background()
	type result struct {
		hyp string
		err error
	}
	results := make(chan result, 3)
	for _, hyp := range []string{"good-1", "bad", "good-2"} {
		go func(hyp string) {
			_, err := p.Submit(ctx, spec(hyp, poolapi.PriorityNormal, nil))
			results <- result{hyp: hyp, err: err}
		}(hyp)
	}
	for i := 0; i < 3; i++ {
		r := <-results
		if r.hyp == "bad" {
			var execErr *ExecutionError
			if !errors.As(r.err, &execErr) {
				t.Fatalf("expected ExecutionError for bad, got %v", r.err)
			}
			continue
		}
		if r.err != nil {
			t.Fatalf("healthy task %s failed: %v", r.hyp, r.err)
		}
	}
	if m := p.Metrics(); m.Completed != 2 || m.Failed != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestDedupeInFlightSharesExecution(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	f.setGate(gate)
	p := newTestPool(t, f, func(o *Options) {
		o.DedupeInFlight = true
	})

	ctx := context.Background()
	params := poolapi.Params{"efficiency_mean": 0.3}
	id1, ch1, err := p.enqueue(ctx, spec("hyp-a", poolapi.PriorityNormal, params))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, ch2, err := p.enqueue(ctx, spec("hyp-b", poolapi.PriorityNormal, params))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate submission must attach to the in-flight task: %s vs %s", id1, id2)
	}
	close(gate)

	o1, o2 := <-ch1, <-ch2
	if o1.Err != nil || o2.Err != nil {
		t.Fatalf("outcomes failed: %v %v", o1.Err, o2.Err)
	}
	if o1.Result.TaskID != o2.Result.TaskID {
		t.Fatalf("waiters must share one result")
	}
	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one backend call, got %d", calls)
	}
}

func TestStopFailsOutstandingTasks(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	defer close(gate)
	f.setGate(gate)
	p := newTestPool(t, f, nil)

	ctx := context.Background()
	_, running, err := p.enqueue(ctx, spec("runner", poolapi.PriorityNormal, nil))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 1 })

	p.Stop()
	o := <-running
	if !errors.Is(o.Err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", o.Err)
	}
	if _, err := p.Submit(ctx, spec("late", poolapi.PriorityNormal, nil)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed on submit after stop, got %v", err)
	}
}

func TestFailFastOnUnhealthyBackend(t *testing.T) {
	f := &fakeBackend{unhealthy: true}
	p := newTestPool(t, f, func(o *Options) { o.FailFastOnHealth = true })

	if _, err := p.Submit(context.Background(), spec("hyp", poolapi.PriorityNormal, nil)); !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
}

func TestUnhealthyBackendStillAcceptedByDefault(t *testing.T) {
	f := &fakeBackend{unhealthy: true}
	p := newTestPool(t, f, nil)

	if _, err := p.Submit(context.Background(), spec("hyp", poolapi.PriorityNormal, nil)); err != nil {
		t.Fatalf("default config must not fail fast: %v", err)
	}
}

func TestClearQueuesDropsPendingOnly(t *testing.T) {
	f := &fakeBackend{}
	gate := make(chan struct{})
	defer close(gate)
	f.setGate(gate)
	p := newTestPool(t, f, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, _, err := p.enqueue(ctx, spec("blocker", poolapi.PriorityCritical, nil)); err != nil {
			t.Fatalf("enqueue blocker: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(f.started()) == 2 })

	var chans []<-chan outcome
	for i := 0; i < 3; i++ {
		_, ch, err := p.enqueue(ctx, spec("pending", poolapi.PriorityLow, nil))
		if err != nil {
			t.Fatalf("enqueue pending: %v", err)
		}
		chans = append(chans, ch)
	}

	if dropped := p.ClearQueues(); dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	for _, ch := range chans {
		if o := <-ch; !errors.Is(o.Err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", o.Err)
		}
	}
}

func TestWarmUpReachesBackend(t *testing.T) {
	f := &fakeBackend{}
	p := newTestPool(t, f, nil)

	if err := p.WarmUp(context.Background(), poolapi.TierLow, 3); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	f.mu.Lock()
	warm := f.warmCount
	f.mu.Unlock()
	if warm != 3 {
		t.Fatalf("expected warm count 3, got %d", warm)
	}
	if err := p.WarmUp(context.Background(), poolapi.Tier("ultra"), 1); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestEventsTraceTaskLifecycle(t *testing.T) {
	f := &fakeBackend{}
	p := newTestPool(t, f, nil)

	id, ch := p.Events().Subscribe(32)
	defer p.Events().Unsubscribe(id)

	if _, err := p.Submit(context.Background(), spec("hyp-ev", poolapi.PriorityNormal, nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventQueued] || !seen[EventStarted] || !seen[EventCompleted] {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}
