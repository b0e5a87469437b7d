// Package bootstrap assembles the daemon: configuration, tracing, the event
// bus, device discovery, the admission pool, the task queue, the execution
// pipeline and the control API server, wired in dependency order and torn
// down in reverse.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/example/whisperd/internal/api"
	"github.com/example/whisperd/internal/artifacts"
	"github.com/example/whisperd/internal/audio"
	"github.com/example/whisperd/internal/config"
	"github.com/example/whisperd/internal/engine"
	"github.com/example/whisperd/internal/events"
	"github.com/example/whisperd/internal/gpu"
	"github.com/example/whisperd/internal/observability"
	"github.com/example/whisperd/internal/render"
	"github.com/example/whisperd/internal/scheduler"
	"github.com/example/whisperd/internal/state"
	"github.com/example/whisperd/internal/worker"
)

// shutdownGrace bounds the drain after a stop signal: open connections,
// in-flight tasks and the trace exporter all get this long.
const shutdownGrace = 30 * time.Second

// Daemon owns every long-lived component of the orchestrator.
type Daemon struct {
	cfg    config.Config
	bus    *events.Bus
	engine *scheduler.Engine
	server *http.Server

	closeTracing func(context.Context) error
}

// NewDaemonFromEnv resolves configuration from the environment and the
// optional YAML overlay, then assembles the daemon.
func NewDaemonFromEnv(ctx context.Context) (*Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewDaemon(ctx, cfg)
}

// NewDaemon wires the component graph from an explicit configuration. The
// context bounds startup work only: driver probing, bucket checks.
func NewDaemon(ctx context.Context, cfg config.Config) (*Daemon, error) {
	closeTracing, err := observability.InitTracingFromEnv("whisperd")
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	bus := events.NewBus(events.BusOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	})

	driver, cpuOnly := gpu.Detect(ctx, cfg.Driver, cfg.NvidiaSMIBin)
	if cpuOnly {
		log.Printf("bootstrap: no usable accelerator, running on the cpu device")
	}
	probe := gpu.NewProbe(driver, cfg.GPUSnapshotTTL)
	devices, err := probe.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	for _, d := range devices {
		log.Printf("bootstrap: device gpu=%d name=%q total_gb=%.1f", d.ID, d.Name, d.TotalGB)
	}

	pool := gpu.NewPool(devices, gpu.PoolOptions{
		MaxTasksPerGPU:       cfg.MaxTasksPerGPU,
		MaxUtilization:       cfg.MaxMemoryUtilization,
		ReservedSystemGB:     cfg.ReservedMemoryGB,
		ConfidenceFactor:     cfg.ConfidenceFactor,
		CalibrationSamples:   cfg.CalibrationSamples,
		StandardAudioSeconds: cfg.StandardAudioSeconds,
		DurationFactorSlope:  cfg.DurationFactorSlope,
	})

	queue := state.NewTaskQueue(state.QueueOptions{
		MaxRetries: cfg.MaxRetries,
		Duration:   audio.NewFFprobe(cfg.FFprobeBin).DurationSeconds,
		Notify:     bus.PublishTaskUpdate,
	})

	eng, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	rend := render.New(cfg.OutputDir)

	workerOpts := worker.Options{}
	if cfg.ArtifactBackend == "minio" {
		store, err := artifacts.NewStore(ctx, artifacts.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		workerOpts.Uploader = store
		log.Printf("bootstrap: mirroring outputs to minio bucket=%q", cfg.MinIOBucket)
	}
	runner := worker.New(queue, pool, probe, eng, rend, bus, workerOpts)

	sched := scheduler.New(queue, pool, probe, runner, scheduler.Options{
		Tick:          cfg.SchedulerTick,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		TaskTimeout:   cfg.TaskTimeout,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(sched, bus, rend).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		cfg:          cfg,
		bus:          bus,
		engine:       sched,
		server:       server,
		closeTracing: closeTracing,
	}, nil
}

func buildEngine(cfg config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case "stub":
		return engine.NewStub(), nil
	case "whisper-cli":
		return engine.NewWhisperCLI(cfg.WhisperBin, engine.NewFetcher(cfg.ModelDir)), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// Engine exposes the scheduler facade, mainly for tests.
func (d *Daemon) Engine() *scheduler.Engine { return d.engine }

// Addr reports the control API listen address.
func (d *Daemon) Addr() string { return d.server.Addr }

// Run starts the event bus heartbeat, the scheduling loop and the HTTP
// server, then blocks until ctx is cancelled or the listener fails. Teardown
// runs in reverse: the listener stops accepting, the scheduler drains within
// the grace period and force-releases whatever is left, the bus closes its
// subscribers, tracing flushes.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		d.bus.Start(ctx)
	}()

	schedDone := make(chan error, 1)
	go func() { schedDone <- d.engine.Run(ctx) }()

	serveDone := make(chan error, 1)
	go func() {
		log.Printf("bootstrap: control api listening addr=%s engine=%s", d.server.Addr, d.cfg.Engine)
		err := d.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveDone <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveDone:
		cancel()
	}

	stopCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if err := d.server.Shutdown(stopCtx); err != nil {
		log.Printf("bootstrap: http shutdown: %v", err)
	}
	d.engine.Shutdown(shutdownGrace)
	<-schedDone
	<-busDone
	if d.closeTracing != nil {
		if err := d.closeTracing(stopCtx); err != nil {
			log.Printf("bootstrap: tracing shutdown: %v", err)
		}
	}
	return runErr
}
