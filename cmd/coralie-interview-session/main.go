package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LastBotInc/coralie-interview-session/internal/config"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/version"
	"github.com/LastBotInc/coralie-interview-session/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	if err := logging.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Shutdown(context.Background())

	logging.Info(logging.CategoryApp, "starting coralie-interview-session version=%s", version.Version)

	// Create worker
	w, err := worker.NewWorker(cfg)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create worker: %v", err)
		os.Exit(1)
	}

	// Start worker (blocks until the session ends)
	if err := w.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "session failed: %v", err)
		logging.Shutdown(context.Background())
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "session shutdown complete")
}
