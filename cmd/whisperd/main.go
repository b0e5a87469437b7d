package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/whisperd/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := bootstrap.NewDaemonFromEnv(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	if err := daemon.Run(ctx); err != nil {
		log.Fatalf("whisperd: %v", err)
	}
}
