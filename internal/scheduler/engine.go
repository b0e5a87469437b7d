// Package scheduler owns admission: it watches the task queue, places tasks
// on devices through the memory pool and hands them to workers.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/whisperd/internal/gpu"
	"github.com/example/whisperd/internal/models"
	"github.com/example/whisperd/internal/observability"
	"github.com/example/whisperd/internal/state"
)

// Concurrency bounds for SetConcurrency and the startup value.
const (
	MinConcurrentTasks = 1
	MaxConcurrentTasks = 20
)

// Runner executes one claimed task until it is terminal or requeued.
type Runner interface {
	Run(ctx context.Context, t state.Task)
}

type Options struct {
	// Tick is the scheduling pass cadence. The queue's wakeup signal cuts
	// the wait short. Default 2s.
	Tick time.Duration
	// MaxConcurrent is the starting global task budget, clamped into
	// [MinConcurrentTasks, MaxConcurrentTasks]. Default 3.
	MaxConcurrent int
	// TaskTimeout bounds a single task's run. Default 60m.
	TaskTimeout time.Duration
	Catalog     *models.Catalog
}

// Engine is the batch scheduler and the control facade the API talks to.
type Engine struct {
	queue   *state.TaskQueue
	pool    *gpu.Pool
	probe   *gpu.Probe
	runner  Runner
	catalog *models.Catalog

	tick        time.Duration
	taskTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	kick       chan struct{}

	mu            sync.Mutex
	maxConcurrent int
	cancels       map[string]context.CancelFunc

	wg sync.WaitGroup
}

func New(queue *state.TaskQueue, pool *gpu.Pool, probe *gpu.Probe, runner Runner, opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 60 * time.Minute
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Catalog == nil {
		opts.Catalog = models.NewCatalog()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:         queue,
		pool:          pool,
		probe:         probe,
		runner:        runner,
		catalog:       opts.Catalog,
		tick:          opts.Tick,
		taskTimeout:   opts.TaskTimeout,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		kick:          make(chan struct{}, 1),
		maxConcurrent: clampConcurrency(opts.MaxConcurrent),
		cancels:       make(map[string]context.CancelFunc),
	}
	observability.Default.SetGauge("scheduler_max_concurrent", nil, float64(e.maxConcurrent))
	return e
}

func clampConcurrency(n int) int {
	if n < MinConcurrentTasks {
		return MinConcurrentTasks
	}
	if n > MaxConcurrentTasks {
		return MaxConcurrentTasks
	}
	return n
}

// Submit validates and enqueues a task. The queue signals the wakeup
// channel, so the next pass starts without waiting for the tick.
func (e *Engine) Submit(ctx context.Context, spec state.TaskSpec) (state.Task, error) {
	return e.queue.Submit(ctx, spec)
}

// Status returns a task from the live set or the recently-terminal window.
func (e *Engine) Status(id string) (state.Task, bool) {
	return e.queue.Get(id)
}

// ListQueue returns the pending and running views.
func (e *Engine) ListQueue() (pending, running []state.Task) {
	return e.queue.Snapshot()
}

// Cancel requests cancellation. Pending tasks fail immediately; running
// tasks get their context cancelled and report through the worker.
func (e *Engine) Cancel(id string) (state.Task, bool) {
	task, ok := e.queue.RequestCancel(id)
	if !ok {
		return state.Task{}, false
	}
	e.mu.Lock()
	if cancel, exists := e.cancels[id]; exists {
		cancel()
	}
	e.mu.Unlock()
	return task, true
}

// Concurrency returns the current global task budget.
func (e *Engine) Concurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxConcurrent
}

// SetConcurrency applies a new budget, clamped into the documented range,
// and returns the applied value. Raising it triggers a scheduling pass;
// lowering it never interrupts running tasks, the budget drains naturally.
func (e *Engine) SetConcurrency(n int) int {
	applied := clampConcurrency(n)
	e.mu.Lock()
	e.maxConcurrent = applied
	e.mu.Unlock()
	observability.Default.SetGauge("scheduler_max_concurrent", nil, float64(applied))
	e.Kick()
	return applied
}

// GPUView pairs a probed device with its pool ledger for the status API.
type GPUView struct {
	gpu.Device
	Pool gpu.PoolStatus `json:"pool"`
}

// DriverName reports the probe backend, "nvidia-smi" or "cpu".
func (e *Engine) DriverName() string {
	return e.probe.DriverName()
}

func (e *Engine) GPUStatus(ctx context.Context) ([]GPUView, error) {
	devs, err := e.probe.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.gpuViews(devs), nil
}

// RefreshGPUs forces a probe refresh and returns the updated view.
func (e *Engine) RefreshGPUs(ctx context.Context) ([]GPUView, error) {
	devs, err := e.probe.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return e.gpuViews(devs), nil
}

func (e *Engine) gpuViews(devs []gpu.Device) []GPUView {
	byID := make(map[int]gpu.PoolStatus)
	for _, st := range e.pool.Status() {
		byID[st.GPU] = st
	}
	views := make([]GPUView, 0, len(devs))
	for _, d := range devs {
		views = append(views, GPUView{Device: d, Pool: byID[d.ID]})
	}
	return views
}

// Kick requests an immediate scheduling pass. Coalesced.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives scheduling passes until ctx is cancelled: a fixed tick, the
// queue's wakeup signal and explicit kicks all trigger a pass.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-e.queue.Wakeup():
		case <-e.kick:
		}
		e.scheduleOnce(ctx)
	}
}

// Shutdown cancels all running workers, waits up to grace for them to
// finish, then force-releases anything still reserved.
func (e *Engine) Shutdown(grace time.Duration) {
	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("scheduler: %s grace period expired with workers still running", grace)
	}
	e.pool.ReleaseAll()
}

// scheduleOnce is one batch pass: derive the free budget from authoritative
// queue state, rank the model buckets, and place bucket heads until nothing
// fits. A panic aborts the pass; the next tick recovers.
func (e *Engine) scheduleOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: pass aborted by panic: %v", r)
			observability.Default.IncCounter("scheduler_pass_panics_total", nil, 1)
		}
	}()

	observability.Default.IncCounter("scheduler_iterations_total", nil, 1)

	budget := e.Concurrency() - e.queue.InflightCount()
	if budget <= 0 || e.queue.PendingCount() == 0 {
		return
	}

	ctx, span := observability.StartSpan(ctx, "scheduler.pass",
		attribute.Int("budget", budget),
	)
	defer span.End()

	// Placement only consults the reservation ledger, but a dead probe
	// means device state is unknown, so the pass waits it out.
	if _, err := e.probe.Snapshot(ctx); err != nil {
		log.Printf("scheduler: device snapshot unavailable, pass skipped: %v", err)
		observability.Default.IncCounter("scheduler_pass_skips_total", map[string]string{"reason": "probe"}, 1)
		return
	}

	placed := 0
	for budget > 0 {
		progressed := false
		for _, b := range e.rankBuckets() {
			if budget <= 0 {
				break
			}
			if e.placeHead(b) {
				budget--
				placed++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if placed > 0 {
		observability.Default.IncCounter("scheduler_placements_total", nil, float64(placed))
	}
}

type bucket struct {
	model  string
	head   state.Task
	loaded []int // devices already running this model
	rank   int
}

// rankBuckets orders the non-empty model buckets: models already loaded
// somewhere first, then small models before large ones, then the oldest
// head. Recomputed every pass from queue state; nothing is cached between
// passes.
func (e *Engine) rankBuckets() []bucket {
	running := e.queue.RunningByModel()
	var buckets []bucket
	for _, model := range e.queue.Models() {
		head, ok := e.queue.BucketHead(model)
		if !ok {
			continue
		}
		buckets = append(buckets, bucket{
			model:  model,
			head:   head,
			loaded: running[model],
			rank:   e.catalog.Rank(model),
		})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		li, lj := len(buckets[i].loaded) > 0, len(buckets[j].loaded) > 0
		if li != lj {
			return li
		}
		if buckets[i].rank != buckets[j].rank {
			return buckets[i].rank < buckets[j].rank
		}
		return buckets[i].head.CreatedAt.Before(buckets[j].head.CreatedAt)
	})
	return buckets
}

// placeHead tries to admit one bucket's head task. A preferred-GPU hint is
// tried first, then devices already running the model, then everything.
func (e *Engine) placeHead(b bucket) bool {
	head := b.head
	var gpuID int
	var estimate float64
	var ok bool

	if head.Spec.PreferredGPU != state.NoGPU {
		gpuID, estimate, ok = e.pool.ChooseGPU(b.model, head.AudioSeconds, []int{head.Spec.PreferredGPU})
	}
	if !ok && len(b.loaded) > 0 {
		gpuID, estimate, ok = e.pool.ChooseGPU(b.model, head.AudioSeconds, b.loaded)
	}
	if !ok {
		gpuID, estimate, ok = e.pool.ChooseGPU(b.model, head.AudioSeconds, nil)
	}
	if !ok {
		return false
	}

	if !e.pool.Reserve(gpuID, estimate, head.ID) {
		return false
	}
	task, err := e.queue.ClaimForLoading(head.ID, gpuID, estimate)
	if err != nil {
		// Head changed under us (cancelled or claimed elsewhere); undo.
		e.pool.Release(head.ID)
		return false
	}
	e.dispatch(task)
	return true
}

func (e *Engine) dispatch(t state.Task) {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.taskTimeout)
	e.mu.Lock()
	e.cancels[t.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, t.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.runner.Run(ctx, t)
	}()
	log.Printf("scheduler: dispatched task=%s model=%s gpu=%d reserved=%.2fGB", t.ID, t.Spec.Model, t.GPU, t.ReservedGB)
}
