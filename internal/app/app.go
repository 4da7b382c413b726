// Package app wires configuration into a ready-to-run worker. The CLI and
// the Cloud Function entry point share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/drawingtileflow/internal/config"
	"github.com/Lllllllleong/drawingtileflow/internal/gcp"
	"github.com/Lllllllleong/drawingtileflow/internal/objectstore"
	"github.com/Lllllllleong/drawingtileflow/internal/services"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/Lllllllleong/drawingtileflow/internal/store/firestorestore"
	"github.com/Lllllllleong/drawingtileflow/internal/store/sqlstore"
	"github.com/Lllllllleong/drawingtileflow/internal/telemetry"
	"github.com/Lllllllleong/drawingtileflow/internal/tiles"
	"github.com/Lllllllleong/drawingtileflow/internal/worker"
)

// App holds every long-lived client of a worker process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   store.Store
	Poller  *worker.Poller
	Metrics *telemetry.Metrics

	closers []func() error
}

// New builds the worker described by cfg. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Metrics: telemetry.NewMetrics(nil)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	backend, closeBackend, err := objectstore.NewBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeBackend)
	tileStore := objectstore.NewGateway(backend, cfg.Storage.TilesNamespace, cfg.Storage.PublicBaseURL)
	sourceStore := objectstore.NewGateway(backend, cfg.Storage.SourceNamespace, "")

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	var notifier services.ReadyNotifier
	if cfg.Workflow.ReadyWorkflowID != "" {
		client, err := gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		name := gcp.WorkflowName(cfg.Store.ProjectID, cfg.Workflow.Location, cfg.Workflow.ReadyWorkflowID)
		notifier = services.NewWorkflowNotifier(client, name, logger)
	}

	checker := services.NewCompletionChecker(st, notifier, logger)
	generator := tiles.NewGenerator(tileStore, logger, a.Metrics)
	handler := services.NewTileJobHandler(st, sourceStore, generator, checker, logger)

	retry := worker.DefaultRetryPolicy()
	retry.RetryPermanent = cfg.Worker.RetryPermanentErrors
	a.Poller = worker.NewPoller(st, handler, worker.Options{
		Interval:  cfg.Worker.PollInterval,
		BatchSize: cfg.Worker.BatchSize,
		Retry:     &retry,
		Sink:      &telemetry.LogSink{Logger: logger, Metrics: a.Metrics},
		Metrics:   a.Metrics,
	}, logger)
	return a, nil
}

// OpenStore connects to the configured job and drawing store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StorePostgres, config.StoreSQLite:
		dialect := sqlstore.DialectPostgres
		if cfg.Store.Backend == config.StoreSQLite {
			dialect = sqlstore.DialectSQLite
		}
		s, err := sqlstore.Open(dialect, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.SetClaimLease(cfg.Worker.ClaimLease)
		return s, nil
	case config.StoreFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.Store.ProjectID, cfg.Store.FirestoreDatabase)
		if err != nil {
			return nil, err
		}
		s := firestorestore.New(client)
		s.SetClaimLease(cfg.Worker.ClaimLease)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown STORE_BACKEND %q", config.ErrConfig, cfg.Store.Backend)
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
