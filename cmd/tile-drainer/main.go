package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/drawingtileflow/internal/app"
	"github.com/Lllllllleong/drawingtileflow/internal/config"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	drainer *app.App
	once    sync.Once
	initErr error
)

func init() {
	functions.CloudEvent("DrainTileJobs", drainTileJobs)
}

// main is required by the Go Functions Framework.
func main() {}

// drainTileJobs runs one poll cycle per scheduler tick.
func drainTileJobs(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		var cfg *config.Config
		cfg, initErr = config.Load()
		if initErr != nil {
			return
		}
		logger, _ := config.SetupLogger(cfg.Debug, cfg.LogFile)
		slog.SetDefault(logger)
		drainer, initErr = app.New(context.Background(), cfg, logger)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	logCtx := drainer.Logger.With("eventId", e.ID(), "eventType", e.Type())
	n, err := drainer.Poller.RunOnce(ctx)
	if err != nil {
		logCtx.Error("Drain cycle failed.", "error", err)
		return err
	}
	logCtx.Info("Drain cycle finished.", "jobs", n)
	return nil
}
