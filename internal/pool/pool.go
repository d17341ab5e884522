package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/cache"
	"github.com/example/gpupool/internal/history"
	"github.com/example/gpupool/internal/observability"
	"github.com/example/gpupool/pkg/poolapi"
)

// Uploader stores a result payload and returns its URI.
type Uploader interface {
	Upload(ctx context.Context, taskID string, res poolapi.Result) (string, error)
}

type Options struct {
	Registry *backend.Registry

	// Cache is optional; nil disables result caching entirely.
	Cache     *cache.Cache
	History   history.Store
	Artifacts Uploader
	Metrics   *observability.Registry
	Bus       *Bus

	TickInterval time.Duration
	QueueTimeout time.Duration
	SubmitMargin time.Duration

	// FailFastOnHealth rejects submissions with ErrPoolUnavailable when the
	// tier backend fails its health probe. Off by default.
	FailFastOnHealth bool

	// DedupeInFlight attaches a submission to an already queued or running
	// task with the same fingerprint instead of executing twice. Off by
	// default; duplicate concurrent misses then both execute and the cache
	// write is idempotent.
	DedupeInFlight bool
}

type tierState struct {
	handle  *backend.TierHandle
	queue   tierQueue
	running map[string]*Task
}

// Pool admits, queues, bounds, and executes validation tasks against a fixed
// set of GPU tiers. A single goroutine owns all queue and running-set state;
// everything else reaches it as commands on a channel.
type Pool struct {
	opts    Options
	metrics *poolMetrics
	bus     *Bus

	tiers map[poolapi.Tier]*tierState
	tasks map[string]*Task
	// inFlight maps fingerprint to the task id currently serving it. Only
	// populated when DedupeInFlight is set.
	inFlight map[string]string

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(opts Options) (*Pool, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("pool requires a tier registry")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 25 * time.Millisecond
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 5 * time.Minute
	}
	if opts.SubmitMargin <= 0 {
		opts.SubmitMargin = 30 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	p := &Pool{
		opts:     opts,
		metrics:  newPoolMetrics(opts.Metrics),
		bus:      opts.Bus,
		tiers:    make(map[poolapi.Tier]*tierState),
		tasks:    make(map[string]*Task),
		inFlight: make(map[string]string),
		cmds:     make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, h := range opts.Registry.Handles() {
		p.tiers[h.Tier] = &tierState{handle: h, running: make(map[string]*Task)}
	}
	return p, nil
}

// Events returns the observability bus.
func (p *Pool) Events() *Bus { return p.bus }

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true
	go p.run()
	return nil
}

// Stop shuts the loop down. Queued tasks and unresolved running tasks are
// failed with ErrPoolClosed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.quit)
	<-p.done
}

func (p *Pool) run() {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			p.shutdown()
			close(p.done)
			return
		case fn := <-p.cmds:
			fn()
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

// send hands a command to the loop. Fails once the pool has shut down.
func (p *Pool) send(fn func()) error {
	select {
	case p.cmds <- fn:
		return nil
	case <-p.done:
		return ErrPoolClosed
	}
}

func (p *Pool) tick(now time.Time) {
	for _, h := range p.opts.Registry.Handles() {
		ts := p.tiers[h.Tier]
		p.evictExpired(ts, now)
		p.admit(ts, now)
		p.metrics.recordUtilization(h.Tier, len(ts.running), h.MaxConcurrency)
	}
}

// evictExpired fails queued tasks whose deadline passed. Eviction never
// consumes tier capacity.
func (p *Pool) evictExpired(ts *tierState, now time.Time) {
	for {
		var expired *Task
		for _, t := range ts.queue.items {
			if now.After(t.QueueDeadline) {
				expired = t
				break
			}
		}
		if expired == nil {
			return
		}
		ts.queue.remove(expired.ID)
		p.forget(expired)
		expired.Status = StatusFailed
		expired.FailReason = "queue_timeout"
		expired.CompletedAt = now
		p.metrics.recordQueueTimeout(expired.Spec.Tier)
		p.publish(EventTimeout, expired, "queue_timeout")
		p.appendHistory(expired, poolapi.Result{}, ErrQueueTimeout)
		expired.resolve(outcome{Err: ErrQueueTimeout})
		log.Printf("pool queue timeout task=%s tier=%s waited=%s", expired.ID, expired.Spec.Tier, now.Sub(expired.EnqueuedAt))
	}
}

func (p *Pool) admit(ts *tierState, now time.Time) {
	for len(ts.running) < ts.handle.MaxConcurrency {
		task := ts.queue.popFront()
		if task == nil {
			return
		}
		task.Status = StatusRunning
		task.StartedAt = now
		ts.running[task.ID] = task
		p.publish(EventStarted, task, "")
		go p.execute(task, ts.handle)
	}
}

func (p *Pool) execute(task *Task, handle *backend.TierHandle) {
	ctx := context.Background()
	if handle.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handle.ExecTimeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "pool.execute",
		attribute.String("pool.task_id", task.ID),
		attribute.String("pool.tier", string(task.Spec.Tier)),
		attribute.String("pool.kind", string(task.Spec.Kind)),
	)
	defer span.End()

	start := time.Now()
	out, execErr := handle.Exec.ExecuteSingle(ctx, backend.Request{
		TaskID:       task.ID,
		HypothesisID: task.Spec.HypothesisID,
		Tier:         task.Spec.Tier,
		Kind:         task.Spec.Kind,
		Params:       task.Spec.Params.Clone(),
	})
	duration := time.Since(start)

	var res poolapi.Result
	var err error
	if execErr != nil {
		err = &ExecutionError{TaskID: task.ID, Tier: string(task.Spec.Tier), Err: execErr}
	} else {
		res = p.buildResult(task.ID, task.Spec, out, duration, handle.CostFor(duration))
		if p.opts.Artifacts != nil {
			if uri, aerr := p.opts.Artifacts.Upload(ctx, task.ID, res); aerr != nil {
				log.Printf("pool artifact upload failed task=%s err=%v", task.ID, aerr)
			} else {
				res.ArtifactURI = uri
			}
		}
		if p.opts.Cache != nil && task.Fingerprint != "" {
			p.opts.Cache.Put(task.Fingerprint, res)
		}
	}

	if sendErr := p.send(func() { p.handleComplete(task, res, err, duration) }); sendErr != nil {
		// Pool shut down mid-run; shutdown already resolved the waiters.
		log.Printf("pool dropped completion for task=%s: %v", task.ID, sendErr)
	}
}

func (p *Pool) handleComplete(task *Task, res poolapi.Result, err error, duration time.Duration) {
	ts := p.tiers[task.Spec.Tier]
	delete(ts.running, task.ID)
	p.forget(task)
	task.CompletedAt = time.Now()
	if err != nil {
		task.Status = StatusFailed
		task.FailReason = err.Error()
		p.metrics.recordFailed(task.Spec.Tier)
		p.publish(EventFailed, task, err.Error())
		p.appendHistory(task, poolapi.Result{}, err)
		task.resolve(outcome{Err: err})
		return
	}
	task.Status = StatusCompleted
	p.metrics.recordCompleted(task.Spec.Tier, duration, res.CostEstimate)
	p.publish(EventCompleted, task, "")
	p.appendHistory(task, res, nil)
	task.resolve(outcome{Result: res})
}

func (p *Pool) buildResult(taskID string, spec poolapi.TaskSpec, out backend.Outcome, d time.Duration, cost float64) poolapi.Result {
	return poolapi.Result{
		TaskID:             taskID,
		HypothesisID:       spec.HypothesisID,
		Tier:               spec.Tier,
		Kind:               spec.Kind,
		PhysicsValid:       out.PhysicsValid,
		EconomicallyViable: out.EconomicallyViable,
		Confidence:         out.Confidence,
		Metrics:            out.Metrics,
		DurationMillis:     d.Milliseconds(),
		CostEstimate:       cost,
	}
}

// forget removes loop-side bookkeeping for a task that reached a terminal
// state.
func (p *Pool) forget(task *Task) {
	delete(p.tasks, task.ID)
	if task.Fingerprint != "" && p.inFlight[task.Fingerprint] == task.ID {
		delete(p.inFlight, task.Fingerprint)
	}
}

func (p *Pool) publish(typ string, task *Task, reason string) {
	p.bus.Publish(Event{
		Type:         typ,
		TaskID:       task.ID,
		HypothesisID: task.Spec.HypothesisID,
		Tier:         task.Spec.Tier,
		Priority:     string(task.Spec.Priority),
		Reason:       reason,
	})
}

func (p *Pool) appendHistory(task *Task, res poolapi.Result, err error) {
	if p.opts.History == nil {
		return
	}
	rec := history.Record{
		TaskID:       task.ID,
		HypothesisID: task.Spec.HypothesisID,
		Tier:         string(task.Spec.Tier),
		Kind:         string(task.Spec.Kind),
		Priority:     string(task.Spec.Priority),
		Status:       task.Status,
		DurationMs:   res.DurationMillis,
		Cost:         res.CostEstimate,
		CreatedAt:    task.EnqueuedAt,
		CompletedAt:  task.CompletedAt,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	go func() {
		if aerr := p.opts.History.Append(context.Background(), rec); aerr != nil {
			log.Printf("pool history append failed task=%s err=%v", task.ID, aerr)
		}
	}()
}

func (p *Pool) shutdown() {
	for _, h := range p.opts.Registry.Handles() {
		ts := p.tiers[h.Tier]
		for _, t := range ts.queue.drain() {
			t.Status = StatusFailed
			t.FailReason = ErrPoolClosed.Error()
			t.resolve(outcome{Err: ErrPoolClosed})
		}
		for id, t := range ts.running {
			delete(ts.running, id)
			t.resolve(outcome{Err: ErrPoolClosed})
		}
	}
	p.tasks = make(map[string]*Task)
	p.inFlight = make(map[string]string)
}

// enqueue validates and queues one task. It returns the task id and a
// channel that delivers the single terminal outcome. Cache hits resolve
// immediately without queueing.
func (p *Pool) enqueue(ctx context.Context, spec poolapi.TaskSpec) (string, <-chan outcome, error) {
	handle, ok := p.opts.Registry.Handle(spec.Tier)
	if !ok {
		return "", nil, fmt.Errorf("unknown tier %q", spec.Tier)
	}
	if _, err := poolapi.ParseRequestKind(string(spec.Kind)); err != nil {
		return "", nil, err
	}
	if p.opts.FailFastOnHealth && !handle.Exec.Healthy(ctx) {
		return "", nil, ErrPoolUnavailable
	}

	p.metrics.recordSubmitted(spec.Tier)

	fp := ""
	if p.opts.Cache != nil || p.opts.DedupeInFlight {
		fp = cache.Fingerprint(spec.Tier, spec.Kind, spec.Params)
	}
	if p.opts.Cache != nil {
		if res, hit := p.opts.Cache.Get(fp); hit {
			p.metrics.recordCacheHit()
			res.FromCache = true
			ch := make(chan outcome, 1)
			ch <- outcome{Result: res}
			return res.TaskID, ch, nil
		}
		p.metrics.recordCacheMiss()
	}

	task := newTask(spec, fp, time.Now(), p.opts.QueueTimeout)
	ch := task.addWaiter()
	idReply := make(chan string, 1)
	err := p.send(func() {
		if p.opts.DedupeInFlight && fp != "" {
			if id, dup := p.inFlight[fp]; dup {
				if existing, live := p.tasks[id]; live {
					existing.waiters = append(existing.waiters, task.waiters...)
					idReply <- existing.ID
					return
				}
			}
		}
		ts := p.tiers[spec.Tier]
		ts.queue.enqueue(task)
		p.tasks[task.ID] = task
		if p.opts.DedupeInFlight && fp != "" {
			p.inFlight[fp] = task.ID
		}
		p.publish(EventQueued, task, "")
		idReply <- task.ID
	})
	if err != nil {
		return "", nil, err
	}
	select {
	case id := <-idReply:
		return id, ch, nil
	case <-p.done:
		return "", nil, ErrPoolClosed
	}
}

// Submit queues a validation request and blocks until its terminal outcome.
// The wait is bounded by queue timeout plus tier execution timeout plus a
// margin; a caller context cancels the wait but not the task.
func (p *Pool) Submit(ctx context.Context, spec poolapi.TaskSpec) (poolapi.Result, error) {
	id, ch, err := p.enqueue(ctx, spec)
	if err != nil {
		return poolapi.Result{}, err
	}
	handle, _ := p.opts.Registry.Handle(spec.Tier)
	window := p.opts.QueueTimeout + handle.ExecTimeout + p.opts.SubmitMargin
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case o := <-ch:
		return o.Result, o.Err
	case <-ctx.Done():
		return poolapi.Result{}, ctx.Err()
	case <-timer.C:
		return poolapi.Result{}, fmt.Errorf("submit window %s elapsed for task %s", window, id)
	}
}

// Cancel removes a queued task. Running tasks are not cancellable.
func (p *Pool) Cancel(id string) bool {
	reply := make(chan bool, 1)
	err := p.send(func() {
		t, ok := p.tasks[id]
		if !ok || t.Status != StatusQueued {
			reply <- false
			return
		}
		ts := p.tiers[t.Spec.Tier]
		ts.queue.remove(id)
		p.forget(t)
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		p.metrics.recordCancelled(t.Spec.Tier)
		p.publish(EventCancelled, t, "")
		p.appendHistory(t, poolapi.Result{}, ErrCancelled)
		t.resolve(outcome{Err: ErrCancelled})
		reply <- true
	})
	if err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-p.done:
		return false
	}
}

// ClearQueues drops every queued task across all tiers and returns the count.
// Running tasks are untouched.
func (p *Pool) ClearQueues() int {
	reply := make(chan int, 1)
	err := p.send(func() {
		dropped := 0
		for _, h := range p.opts.Registry.Handles() {
			ts := p.tiers[h.Tier]
			for _, t := range ts.queue.drain() {
				p.forget(t)
				t.Status = StatusCancelled
				t.CompletedAt = time.Now()
				p.metrics.recordCancelled(t.Spec.Tier)
				p.publish(EventCancelled, t, "queues_cleared")
				t.resolve(outcome{Err: ErrCancelled})
				dropped++
			}
		}
		reply <- dropped
	})
	if err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-p.done:
		return 0
	}
}

// Utilization reports per-tier occupancy in registry order.
func (p *Pool) Utilization() []poolapi.TierUtilization {
	reply := make(chan []poolapi.TierUtilization, 1)
	err := p.send(func() {
		out := make([]poolapi.TierUtilization, 0, len(p.tiers))
		for _, h := range p.opts.Registry.Handles() {
			ts := p.tiers[h.Tier]
			ratio := 0.0
			if h.MaxConcurrency > 0 {
				ratio = float64(len(ts.running)) / float64(h.MaxConcurrency)
			}
			wait := 0.0
			if h.MaxConcurrency > 0 {
				wait = float64(ts.queue.len()) * h.EstDuration.Seconds() / float64(h.MaxConcurrency)
			}
			out = append(out, poolapi.TierUtilization{
				Tier:           h.Tier,
				Active:         len(ts.running),
				MaxConcurrency: h.MaxConcurrency,
				Ratio:          ratio,
				QueueLength:    ts.queue.len(),
				EstWaitSeconds: wait,
			})
		}
		reply <- out
	})
	if err != nil {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-p.done:
		return nil
	}
}

// Metrics returns the aggregate counter snapshot.
func (p *Pool) Metrics() poolapi.MetricsSnapshot {
	return p.metrics.snapshot()
}

// WarmUp asks a tier backend to pre-provision capacity. Best effort.
func (p *Pool) WarmUp(ctx context.Context, tier poolapi.Tier, count int) error {
	handle, ok := p.opts.Registry.Handle(tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	if count < 1 {
		count = 1
	}
	return handle.Exec.WarmUp(ctx, count)
}
