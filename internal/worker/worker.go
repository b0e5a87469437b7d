// Package worker executes claimed transcription tasks: model load,
// per-file transcription, output rendering and resource release.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/whisperd/internal/engine"
	"github.com/example/whisperd/internal/events"
	"github.com/example/whisperd/internal/gpu"
	"github.com/example/whisperd/internal/observability"
	"github.com/example/whisperd/internal/render"
	"github.com/example/whisperd/internal/state"
)

// Uploader mirrors rendered output files to external storage. Upload
// failures never fail the task.
type Uploader interface {
	Upload(ctx context.Context, localPath string) error
}

type Options struct {
	// ProgressInterval is the keepalive cadence during a stage. Default 2s.
	ProgressInterval time.Duration
	// SerializePerDevice wraps engine calls in a per-device mutex, for
	// engines that cannot be re-entered on one device. The CLI engine runs
	// one process per file and does not need it.
	SerializePerDevice bool
	Uploader           Uploader
}

// Worker runs the per-task pipeline. One Worker serves the whole process;
// Run is called concurrently, once per admitted task.
type Worker struct {
	queue *state.TaskQueue
	pool  *gpu.Pool
	probe *gpu.Probe
	eng   engine.Engine
	rend  *render.Renderer
	bus   *events.Bus
	opts  Options

	mu      sync.Mutex
	devLock map[int]*sync.Mutex
}

func New(queue *state.TaskQueue, pool *gpu.Pool, probe *gpu.Probe, eng engine.Engine, rend *render.Renderer, bus *events.Bus, opts Options) *Worker {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}
	return &Worker{
		queue:   queue,
		pool:    pool,
		probe:   probe,
		eng:     eng,
		rend:    rend,
		bus:     bus,
		opts:    opts,
		devLock: make(map[int]*sync.Mutex),
	}
}

// Run executes the lifecycle of one claimed task. The context carries the
// task timeout and cancellation; the pool reservation is released on every
// exit path. Run returns once the task is terminal or back in the queue
// for retry.
func (w *Worker) Run(ctx context.Context, t state.Task) {
	defer w.pool.Release(t.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker panic task=%s: %v", t.ID, r)
			w.pool.Release(t.ID)
			w.queue.FailOrRetry(t.ID, state.Errf(state.ErrInternal, "worker panic: %v", r))
		}
	}()

	ctx, span := observability.StartSpan(ctx, "worker.run_task",
		attribute.String("task.id", t.ID),
		attribute.String("model", t.Spec.Model),
		attribute.Int("gpu", t.GPU),
	)
	defer span.End()

	peak := newPeakTracker(w.probe, t.GPU)
	peak.sample(ctx)
	stop := w.startTicker(ctx, t.ID, peak)
	defer stop()

	result, err := w.pipeline(ctx, t)
	stop()

	w.pool.Release(t.ID)
	if err != nil {
		w.fail(t, mapContextErr(err))
		return
	}
	if obs := peak.observedGB(); obs > 0 {
		w.pool.Calibrate(t.GPU, t.Spec.Model, obs)
	}
	if _, err := w.queue.MarkCompleted(t.ID, result); err != nil {
		log.Printf("worker complete task=%s: %v", t.ID, err)
		return
	}
	log.Printf("worker done task=%s model=%s gpu=%d files=%d", t.ID, t.Spec.Model, t.GPU, len(t.Spec.Files))
}

func (w *Worker) pipeline(ctx context.Context, t state.Task) (*state.TaskResult, error) {
	if err := w.cancelled(ctx, t.ID); err != nil {
		return nil, err
	}

	h, err := w.load(ctx, t)
	if err != nil {
		return nil, err
	}
	defer w.eng.Unload(h)

	if _, err := w.queue.MarkProcessing(t.ID); err != nil {
		return nil, err
	}

	total := len(t.Spec.Files)
	transcripts := make([]*engine.Transcription, 0, total)
	for i, file := range t.Spec.Files {
		if err := w.cancelled(ctx, t.ID); err != nil {
			return nil, err
		}
		tr, err := w.transcribeOne(ctx, h, t, file)
		if err != nil {
			return nil, err
		}
		transcripts = append(transcripts, tr)
		observability.Default.IncCounter("worker_files_transcribed_total", map[string]string{"model": t.Spec.Model}, 1)
		w.queue.UpdateProgress(t.ID, (i+1)*100/total, fmt.Sprintf("transcribed %d/%d files", i+1, total))
	}

	if err := w.cancelled(ctx, t.ID); err != nil {
		return nil, err
	}
	return w.finalize(ctx, t, transcripts)
}

// load acquires the model for the task's device, streaming fetch progress as
// download_progress events. A failure after a download started emits the -1
// terminator.
func (w *Worker) load(ctx context.Context, t state.Task) (engine.Handle, error) {
	ctx, span := observability.StartSpan(ctx, "worker.load",
		attribute.String("model", t.Spec.Model),
		attribute.Int("gpu", t.GPU),
	)
	defer span.End()

	downloading := false
	onDL := func(pct int, message string) {
		downloading = true
		w.queue.SetDownloadProgress(t.ID, pct)
		w.bus.PublishDownloadProgress(events.DownloadProgress{
			TaskID:    t.ID,
			ModelName: t.Spec.Model,
			Progress:  pct,
			Message:   message,
		})
	}

	var h engine.Handle
	err := w.withDevice(t.GPU, func() error {
		var err error
		h, err = w.eng.Load(ctx, engine.LoadRequest{Model: t.Spec.Model, Device: t.GPU, OnDownload: onDL})
		return err
	})
	if err != nil {
		if downloading {
			w.queue.SetDownloadProgress(t.ID, -1)
			w.bus.PublishDownloadProgress(events.DownloadProgress{
				TaskID:    t.ID,
				ModelName: t.Spec.Model,
				Progress:  -1,
				Message:   "model download failed",
			})
		}
		return nil, err
	}
	return h, nil
}

func (w *Worker) transcribeOne(ctx context.Context, h engine.Handle, t state.Task, file string) (*engine.Transcription, error) {
	ctx, span := observability.StartSpan(ctx, "worker.transcribe",
		attribute.String("file", file),
	)
	defer span.End()

	var tr *engine.Transcription
	err := w.withDevice(t.GPU, func() error {
		var err error
		tr, err = w.eng.Transcribe(ctx, h, file, t.Spec.Language)
		return err
	})
	return tr, err
}

// finalize renders every requested output format for every file. Writes are
// atomic; a render failure fails the task.
func (w *Worker) finalize(ctx context.Context, t state.Task, transcripts []*engine.Transcription) (*state.TaskResult, error) {
	ctx, span := observability.StartSpan(ctx, "worker.finalize",
		attribute.Int("files", len(t.Spec.Files)),
	)
	defer span.End()

	w.queue.UpdateProgress(t.ID, 0, "rendering outputs")

	res := &state.TaskResult{}
	for i, file := range t.Spec.Files {
		tr := transcripts[i]
		lang := tr.DetectedLanguage
		if lang == "" && t.Spec.Language != "auto" {
			lang = t.Spec.Language
		}
		fr := state.FileResult{
			File:             file,
			Text:             tr.Text,
			DetectedLanguage: lang,
			DurationSeconds:  tr.DurationSeconds,
			Outputs:          make(map[string]string, len(t.Spec.OutputFormats)),
		}
		for _, format := range t.Spec.OutputFormats {
			path, err := w.rend.Render(format, render.Result{
				TaskID:          t.ID,
				AudioPath:       file,
				Text:            tr.Text,
				Language:        lang,
				DurationSeconds: tr.DurationSeconds,
				Segments:        tr.Segments,
				CreatedAt:       t.CreatedAt,
			})
			if err != nil {
				return nil, err
			}
			fr.Outputs[format] = path
			w.upload(ctx, path)
		}
		res.Files = append(res.Files, fr)
	}
	return res, nil
}

func (w *Worker) upload(ctx context.Context, path string) {
	if w.opts.Uploader == nil {
		return
	}
	if err := w.opts.Uploader.Upload(ctx, path); err != nil {
		observability.Default.IncCounter("worker_uploads_total", map[string]string{"status": "error"}, 1)
		log.Printf("worker mirror upload path=%s err=%v", path, err)
		return
	}
	observability.Default.IncCounter("worker_uploads_total", map[string]string{"status": "ok"}, 1)
}

func (w *Worker) fail(t state.Task, err error) {
	task, retrying := w.queue.FailOrRetry(t.ID, err)
	if retrying {
		log.Printf("worker retry task=%s attempt=%d err=%v", t.ID, task.RetryCount, err)
		return
	}
	log.Printf("worker failed task=%s kind=%s err=%v", t.ID, task.ErrorKind, err)
}

// cancelled reports the stage-boundary cancellation state: context first,
// then the queue's cancel flag, which can be set before the context wiring
// exists.
func (w *Worker) cancelled(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cur, ok := w.queue.Get(id); ok && cur.CancelRequested {
		return state.Errf(state.ErrClientCancelled, "cancelled by client")
	}
	return nil
}

func (w *Worker) withDevice(id int, fn func() error) error {
	if !w.opts.SerializePerDevice {
		return fn()
	}
	mu := w.deviceLock(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (w *Worker) deviceLock(id int) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	mu, ok := w.devLock[id]
	if !ok {
		mu = &sync.Mutex{}
		w.devLock[id] = mu
	}
	return mu
}

// startTicker drives the keepalive re-notify and memory sampling until the
// returned stop function is called. stop is idempotent and joins the
// goroutine before returning.
func (w *Worker) startTicker(ctx context.Context, id string, peak *peakTracker) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(w.opts.ProgressInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-tick.C:
				w.queue.Touch(id)
				peak.sample(ctx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

func mapContextErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return state.WrapErr(state.ErrTaskTimeout, err, "task timeout exceeded")
	case errors.Is(err, context.Canceled):
		return state.WrapErr(state.ErrInternal, err, "worker cancelled")
	}
	return err
}

// peakTracker samples driver-reported device memory over a task's run so the
// pool can be calibrated afterwards. Best effort: samples ride the probe
// cache, and concurrent tasks on one device see each other's usage.
type peakTracker struct {
	probe *gpu.Probe
	gpuID int

	mu   sync.Mutex
	base float64
	peak float64
	n    int
}

func newPeakTracker(probe *gpu.Probe, gpuID int) *peakTracker {
	return &peakTracker{probe: probe, gpuID: gpuID}
}

func (p *peakTracker) sample(ctx context.Context) {
	if p.probe == nil {
		return
	}
	devs, err := p.probe.Snapshot(ctx)
	if err != nil {
		return
	}
	for _, d := range devs {
		if d.ID != p.gpuID {
			continue
		}
		p.mu.Lock()
		if p.n == 0 {
			p.base = d.UsedGB
		}
		if d.UsedGB > p.peak {
			p.peak = d.UsedGB
		}
		p.n++
		p.mu.Unlock()
		return
	}
}

// observedGB is the sampled peak over the baseline, or 0 when there were not
// enough samples to say anything.
func (p *peakTracker) observedGB() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n < 2 {
		return 0
	}
	if d := p.peak - p.base; d > 0 {
		return d
	}
	return 0
}
