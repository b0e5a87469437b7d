package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/whisperd/internal/config"
)

func TestDaemonStartsAndDrains(t *testing.T) {
	cfg := config.Defaults()
	cfg.Driver = "cpu"
	cfg.Engine = "stub"
	cfg.Port = "0"
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := NewDaemon(ctx, cfg)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if got := d.Engine().Concurrency(); got != cfg.MaxConcurrentTasks {
		t.Fatalf("concurrency = %d, want %d", got, cfg.MaxConcurrentTasks)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop after cancel")
	}
}

func TestNewDaemonRejectsUnknownEngine(t *testing.T) {
	cfg := config.Defaults()
	cfg.Driver = "cpu"
	cfg.Engine = "banana"
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")

	if _, err := NewDaemon(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown engine")
	}
}
