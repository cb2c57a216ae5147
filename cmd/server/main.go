// Package main runs the focusqueue server: a crash-recoverable background
// processing queue that feeds dropped payloads through an external analyzer
// behind a circuit breaker, with a resource-adaptive worker pool and an
// HTTP surface for producers and operators.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/focusqueue/internal/config"
	"github.com/phrazzld/focusqueue/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("focusqueue: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			app.shutdown()
			return err
		}
	}

	app.shutdown()
	return nil
}
