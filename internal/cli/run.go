package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/app"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for tile jobs and serve the health endpoint",
	Long: `Run the worker until SIGINT or SIGTERM.

A poll cycle that is already running is allowed to finish before the
process exits, and in-flight jobs are never cancelled.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start worker.", "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close clients.", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Worker.Port,
		Handler:      healthHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Health endpoint listening.", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed.", "error", err)
			serveErr <- err
			stop()
		}
	}()

	runErr := a.Poller.Run(ctx)

	logger.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server forced to shutdown.", "error", err)
	}

	select {
	case err := <-serveErr:
		return err
	default:
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("Worker stopped.")
	return nil
}
