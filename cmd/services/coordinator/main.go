package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/node"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Coordinator service starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// Identity persistence failures surface here and are fatal
	n, err := node.New(cfg, logger, node.Options{Version: Version})
	if err != nil {
		logger.Fatal("Failed to initialize node", "error", err)
	}
	logger.Info("Instance identity resolved", "instance_id", n.ID())

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = n.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatal("Failed to start node", "error", err)
	}

	// Start server in goroutine
	go func() {
		if err := n.Listen(); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with 10 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
	_ = logger.Close()
}
