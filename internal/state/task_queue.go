package state

import (
	"context"
	"io/fs"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/whisperd/internal/audio"
	"github.com/example/whisperd/internal/models"
	"github.com/example/whisperd/internal/observability"
)

// QueueOptions configures a TaskQueue. Zero values pick sane defaults, and
// the I/O hooks exist so tests can run without a filesystem or ffprobe.
type QueueOptions struct {
	MaxRetries        int
	TerminalRetention time.Duration
	Catalog           *models.Catalog
	Stat              func(path string) (fs.FileInfo, error)
	Duration          func(ctx context.Context, path string) (float64, error)

	// Notify is invoked under the queue mutex for every observable task
	// change, so per-task notification order matches transition order.
	// It must not block; the event bus satisfies that.
	Notify func(Task)

	Now func() time.Time
}

// TaskQueue owns every task record in the process and is the only component
// allowed to transition task status. Pending tasks sit in per-model buckets
// ordered by priority then submission time; claimed tasks move to the
// in-flight set; terminal tasks are retained briefly so late Status calls can
// still observe the outcome.
type TaskQueue struct {
	mu       sync.Mutex
	opts     QueueOptions
	buckets  map[string][]string
	tasks    map[string]Task
	inflight map[string]struct{}
	done     []doneTask
	wake     chan struct{}
}

type doneTask struct {
	task      Task
	expiresAt time.Time
}

func NewTaskQueue(opts QueueOptions) *TaskQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = 5 * time.Second
	}
	if opts.Catalog == nil {
		opts.Catalog = models.NewCatalog()
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TaskQueue{
		opts:     opts,
		buckets:  make(map[string][]string),
		tasks:    make(map[string]Task),
		inflight: make(map[string]struct{}),
		done:     make([]doneTask, 0, 16),
		wake:     make(chan struct{}, 1),
	}
}

// Wakeup returns the channel the scheduler selects on. A send is coalesced
// into at most one pending signal.
func (q *TaskQueue) Wakeup() <-chan struct{} {
	return q.wake
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) notify(t Task) {
	if q.opts.Notify != nil {
		q.opts.Notify(t)
	}
}

// Submit validates a spec, assigns an id, enqueues the task Pending in its
// model bucket and signals the scheduler. Validation covers existence of the
// input files, media extension, model name, language and output formats;
// decode errors inside a file are the worker's to discover.
func (q *TaskQueue) Submit(ctx context.Context, spec TaskSpec) (Task, error) {
	if len(spec.Files) == 0 {
		return Task{}, Errf(ErrInputInvalid, "no input files")
	}
	for _, f := range spec.Files {
		if !audio.SupportedExtension(f) {
			return Task{}, Errf(ErrInputInvalid, "unsupported file type: %s", f)
		}
		info, err := q.opts.Stat(f)
		if err != nil {
			return Task{}, WrapErr(ErrInputInvalid, err, "input file not accessible: "+f)
		}
		if info.IsDir() {
			return Task{}, Errf(ErrInputInvalid, "input is a directory: %s", f)
		}
		if info.Size() == 0 {
			return Task{}, Errf(ErrInputInvalid, "input file is empty: %s", f)
		}
	}
	if !q.opts.Catalog.Known(spec.Model) {
		return Task{}, Errf(ErrInputInvalid, "unknown model: %q", spec.Model)
	}
	if !models.SupportedLanguage(spec.Language) {
		return Task{}, Errf(ErrInputInvalid, "unsupported language: %q", spec.Language)
	}
	spec.Language = models.NormalizeLanguage(spec.Language)
	if len(spec.OutputFormats) == 0 {
		spec.OutputFormats = []string{FormatPlaintext}
	}
	for _, f := range spec.OutputFormats {
		if !ValidFormat(f) {
			return Task{}, Errf(ErrInputInvalid, "unsupported output format: %q", f)
		}
	}
	if spec.Priority == "" {
		spec.Priority = PriorityNormal
	}
	if !ValidPriority(spec.Priority) {
		return Task{}, Errf(ErrInputInvalid, "unsupported priority: %q", spec.Priority)
	}
	if spec.PreferredGPU < NoGPU {
		spec.PreferredGPU = NoGPU
	}

	// Best-effort duration probe before taking the lock. A file that ffprobe
	// cannot read still enqueues; the estimate just falls back to the table.
	audioSeconds := 0.0
	if q.opts.Duration != nil {
		for _, f := range spec.Files {
			d, err := q.opts.Duration(ctx, f)
			if err != nil {
				log.Printf("queue: duration probe failed file=%s err=%v", f, err)
				continue
			}
			audioSeconds += d
		}
	}

	now := q.opts.Now()
	task := Task{
		ID:           "tsk-" + uuid.NewString(),
		Spec:         spec,
		Status:       TaskPending,
		GPU:          NoGPU,
		AudioSeconds: audioSeconds,
		CreatedAt:    now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(now)
	q.tasks[task.ID] = task
	q.buckets[spec.Model] = insertByPriority(q.buckets[spec.Model], task.ID, PriorityRank(spec.Priority), func(id string) int {
		return PriorityRank(q.tasks[id].Spec.Priority)
	})
	observability.Default.IncCounter("tasks_submitted_total", map[string]string{"model": spec.Model, "priority": spec.Priority}, 1)
	observability.Default.SetGauge("queue_depth", map[string]string{"model": spec.Model}, float64(len(q.buckets[spec.Model])))
	q.notify(task)
	q.signal()
	return task, nil
}

// insertByPriority places id behind every queued entry of equal or higher
// priority, keeping buckets priority-descending and FIFO within a class.
func insertByPriority(bucket []string, id string, rank int, rankOf func(string) int) []string {
	pos := len(bucket)
	for i, existing := range bucket {
		if rankOf(existing) < rank {
			pos = i
			break
		}
	}
	bucket = append(bucket, "")
	copy(bucket[pos+1:], bucket[pos:])
	bucket[pos] = id
	return bucket
}

// Models returns the names of non-empty pending buckets, sorted for
// deterministic iteration.
func (q *TaskQueue) Models() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.buckets))
	for model, bucket := range q.buckets {
		if len(bucket) > 0 {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}

// BucketHead returns the next eligible task of a model bucket without
// removing it.
func (q *TaskQueue) BucketHead(model string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.buckets[model]
	if len(bucket) == 0 {
		return Task{}, false
	}
	return q.tasks[bucket[0]], true
}

// PendingCount returns the number of queued tasks across all buckets.
func (q *TaskQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, bucket := range q.buckets {
		n += len(bucket)
	}
	return n
}

// InflightCount returns the number of tasks in Loading or Processing.
func (q *TaskQueue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// InflightOnGPU counts in-flight tasks placed on the given device.
func (q *TaskQueue) InflightOnGPU(gpu int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id := range q.inflight {
		if q.tasks[id].GPU == gpu {
			n++
		}
	}
	return n
}

// RunningByModel maps each in-flight model to the sorted ids of the GPUs it
// occupies. The scheduler uses it for load-locality placement.
func (q *TaskQueue) RunningByModel() map[string][]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]map[int]struct{})
	for id := range q.inflight {
		t := q.tasks[id]
		if t.GPU == NoGPU {
			continue
		}
		if seen[t.Spec.Model] == nil {
			seen[t.Spec.Model] = make(map[int]struct{})
		}
		seen[t.Spec.Model][t.GPU] = struct{}{}
	}
	out := make(map[string][]int, len(seen))
	for model, gpus := range seen {
		ids := make([]int, 0, len(gpus))
		for g := range gpus {
			ids = append(ids, g)
		}
		sort.Ints(ids)
		out[model] = ids
	}
	return out
}

// ClaimForLoading atomically removes a pending task from its bucket,
// transitions it to Loading on the given device and records the reservation
// it was admitted under. Claiming a task that is no longer pending fails, so
// the same task can never be dispatched twice.
func (q *TaskQueue) ClaimForLoading(id string, gpu int, reservedGB float64) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Status != TaskPending {
		return Task{}, ErrInvalidTransition
	}
	q.removeFromBucketLocked(task.Spec.Model, id)
	task.Status = TaskLoading
	task.GPU = gpu
	task.ReservedGB = reservedGB
	task.StartedAt = q.opts.Now()
	task.Message = "loading model " + task.Spec.Model
	q.tasks[id] = task
	q.inflight[id] = struct{}{}
	observability.Default.SetGauge("queue_depth", map[string]string{"model": task.Spec.Model}, float64(len(q.buckets[task.Spec.Model])))
	observability.Default.SetGauge("inflight_tasks", nil, float64(len(q.inflight)))
	q.notify(task)
	return task, nil
}

// MarkProcessing transitions Loading to Processing.
func (q *TaskQueue) MarkProcessing(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transitionLocked(id, TaskProcessing, func(t *Task) {
		t.Message = "transcribing"
	})
}

// MarkCompleted finalizes a successful task, stores its result and moves it
// to the terminal ring. Completion frees capacity, so the scheduler is
// signalled.
func (q *TaskQueue) MarkCompleted(id string, result *TaskResult) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, err := q.transitionLocked(id, TaskCompleted, func(t *Task) {
		t.Progress = 100
		t.Message = "completed"
		t.Result = result
		t.EndedAt = q.opts.Now()
		if t.Spec.Language == "auto" && result != nil {
			for _, f := range result.Files {
				if f.DetectedLanguage != "" {
					t.Spec.Language = f.DetectedLanguage
					break
				}
			}
		}
	})
	if err != nil {
		return Task{}, err
	}
	q.retireLocked(task)
	observability.Default.IncCounter("tasks_completed_total", map[string]string{"model": task.Spec.Model}, 1)
	q.signal()
	return task, nil
}

// MarkFailed terminally fails a task from any live status. Pending tasks are
// pulled out of their bucket first.
func (q *TaskQueue) MarkFailed(id string, kind ErrorKind, message string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failLocked(id, kind, message)
}

func (q *TaskQueue) failLocked(id string, kind ErrorKind, message string) (Task, error) {
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if !validTransition(task.Status, TaskFailed) {
		return Task{}, ErrInvalidTransition
	}
	if task.Status == TaskPending {
		q.removeFromBucketLocked(task.Spec.Model, id)
		observability.Default.SetGauge("queue_depth", map[string]string{"model": task.Spec.Model}, float64(len(q.buckets[task.Spec.Model])))
	}
	task.Status = TaskFailed
	task.ErrorKind = kind
	task.ErrorMessage = message
	task.Message = message
	task.EndedAt = q.opts.Now()
	q.tasks[id] = task
	q.retireLocked(task)
	observability.Default.IncCounter("tasks_failed_total", map[string]string{"model": task.Spec.Model, "kind": string(kind)}, 1)
	if kind == ErrClientCancelled {
		observability.Default.IncCounter("tasks_cancelled_total", map[string]string{"model": task.Spec.Model}, 1)
	}
	q.notify(task)
	q.signal()
	return task, nil
}

// FailOrRetry applies the retry policy to a worker-reported failure. A
// retryable error with budget left sends the task through Retrying back to
// Pending at the tail of its model bucket, with no priority boost. Everything
// else fails terminally. The whole decision is one critical section, so no
// observer sees an intermediate state.
func (q *TaskQueue) FailOrRetry(id string, err error) (Task, bool) {
	kind := KindOf(err)
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	if task.CancelRequested {
		kind = ErrClientCancelled
	}
	if !kind.Retryable() || task.RetryCount >= q.opts.MaxRetries {
		failed, ferr := q.failLocked(id, kind, err.Error())
		if ferr != nil {
			return Task{}, false
		}
		return failed, false
	}
	if !validTransition(task.Status, TaskRetrying) {
		return Task{}, false
	}
	task.Status = TaskRetrying
	task.RetryCount++
	task.Message = err.Error()
	q.tasks[id] = task
	q.notify(task)

	delete(q.inflight, id)
	task.Status = TaskPending
	task.GPU = NoGPU
	task.ReservedGB = 0
	task.Progress = 0
	task.StartedAt = time.Time{}
	task.Message = "queued for retry " + strconv.Itoa(task.RetryCount)
	q.tasks[id] = task
	q.buckets[task.Spec.Model] = append(q.buckets[task.Spec.Model], id)
	observability.Default.IncCounter("tasks_retried_total", map[string]string{"model": task.Spec.Model}, 1)
	observability.Default.SetGauge("queue_depth", map[string]string{"model": task.Spec.Model}, float64(len(q.buckets[task.Spec.Model])))
	observability.Default.SetGauge("inflight_tasks", nil, float64(len(q.inflight)))
	q.notify(task)
	q.signal()
	return task, true
}

// RequestCancel implements the public cancel semantics. Terminal tasks are a
// successful no-op. Pending tasks fail immediately with ClientCancelled.
// In-flight tasks are flagged; the caller is responsible for cancelling the
// worker, which then reports back through FailOrRetry or MarkFailed.
func (q *TaskQueue) RequestCancel(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[id]; ok {
		switch task.Status {
		case TaskPending:
			failed, err := q.failLocked(id, ErrClientCancelled, "cancelled before start")
			if err != nil {
				return Task{}, false
			}
			return failed, true
		default:
			if !task.CancelRequested {
				task.CancelRequested = true
				task.Message = "cancellation requested"
				q.tasks[id] = task
				q.notify(task)
			}
			return task, true
		}
	}
	if done, ok := q.doneLocked(id); ok {
		return done, true
	}
	return Task{}, false
}

// UpdateProgress records worker progress for an in-flight task. Regressions
// are suppressed, but the notification still fires so subscribers get their
// keepalive even when the value is unchanged.
func (q *TaskQueue) UpdateProgress(id string, progress int, message string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	if task.Status != TaskLoading && task.Status != TaskProcessing {
		return Task{}, false
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	if message != "" {
		task.Message = message
	}
	q.tasks[id] = task
	q.notify(task)
	return task, true
}

// Touch re-notifies an in-flight task's current state without changing it.
// Workers call it on their keepalive tick.
func (q *TaskQueue) Touch(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	if task.Status != TaskLoading && task.Status != TaskProcessing {
		return Task{}, false
	}
	q.notify(task)
	return task, true
}

// SetDownloadProgress records model-fetch progress on the task view. The
// worker publishes the matching download_progress event itself.
func (q *TaskQueue) SetDownloadProgress(id string, pct int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return
	}
	task.DownloadProgress = pct
	q.tasks[id] = task
}

// Get returns a task by id, looking at live records first and the terminal
// ring second.
func (q *TaskQueue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(q.opts.Now())
	if task, ok := q.tasks[id]; ok {
		return task, true
	}
	return q.doneLocked(id)
}

// Snapshot returns the pending and in-flight tasks as value copies. Pending
// tasks are ordered priority-descending then oldest-first across all models;
// running tasks oldest-start-first.
func (q *TaskQueue) Snapshot() (pending []Task, running []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, bucket := range q.buckets {
		for _, id := range bucket {
			pending = append(pending, q.tasks[id])
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := PriorityRank(pending[i].Spec.Priority), PriorityRank(pending[j].Spec.Priority)
		if pi != pj {
			return pi > pj
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	for id := range q.inflight {
		running = append(running, q.tasks[id])
	}
	sort.Slice(running, func(i, j int) bool {
		if !running[i].StartedAt.Equal(running[j].StartedAt) {
			return running[i].StartedAt.Before(running[j].StartedAt)
		}
		return running[i].ID < running[j].ID
	})
	return pending, running
}

func (q *TaskQueue) transitionLocked(id, to string, mutate func(*Task)) (Task, error) {
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if !validTransition(task.Status, to) {
		return Task{}, ErrInvalidTransition
	}
	task.Status = to
	if mutate != nil {
		mutate(&task)
	}
	q.tasks[id] = task
	q.notify(task)
	return task, nil
}

// retireLocked moves a terminal task from the live maps to the ring.
func (q *TaskQueue) retireLocked(task Task) {
	delete(q.tasks, task.ID)
	delete(q.inflight, task.ID)
	q.done = append(q.done, doneTask{task: task, expiresAt: q.opts.Now().Add(q.opts.TerminalRetention)})
	observability.Default.SetGauge("inflight_tasks", nil, float64(len(q.inflight)))
}

func (q *TaskQueue) removeFromBucketLocked(model, id string) {
	bucket := q.buckets[model]
	for i, candidate := range bucket {
		if candidate == id {
			q.buckets[model] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (q *TaskQueue) doneLocked(id string) (Task, bool) {
	for _, d := range q.done {
		if d.task.ID == id {
			return d.task, true
		}
	}
	return Task{}, false
}

func (q *TaskQueue) pruneLocked(now time.Time) {
	kept := q.done[:0]
	for _, d := range q.done {
		if d.expiresAt.After(now) {
			kept = append(kept, d)
		}
	}
	q.done = kept
}
