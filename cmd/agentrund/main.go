// Command agentrund is the runtime's thin process entrypoint: it loads
// Config from the environment, boots a Runtime from the manifest it
// names, and serves until signaled, in the same load-then-serve-then-drain
// shape as the orchestrator in code/cellorg/cmd/orchestrator/main.go,
// generalized from os.Args/YAML-file config resolution to
// environment-variable resolution.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentcore/runtime/internal/config"
	"github.com/agentcore/runtime/internal/rerr"
	"github.com/agentcore/runtime/internal/runtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitCode(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.Boot(ctx, cfg, cfg.ManifestPath, nil)
	if err != nil {
		log.Printf("boot failed: %v", err)
		return exitCode(err)
	}

	log.Printf("agentrund started: relay=%s control=%s manifest=%s", cfg.RelayURL, cfg.ControlBind, cfg.ManifestPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down...")
	}

	done := make(chan struct{})
	go func() {
		rt.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
		log.Printf("shutdown complete")
	case <-time.After(10 * time.Second):
		log.Printf("shutdown timeout exceeded")
		return 1
	}
	return 0
}

// exitCode maps a configuration error to sysexits.h's EX_CONFIG (64),
// per spec §7; anything else is a generic failure.
func exitCode(err error) int {
	if errors.Is(err, rerr.ErrConfiguration) {
		return 64
	}
	return 1
}
