// Package worker claims queued jobs and dispatches them to their handlers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/services"
	"github.com/Lllllllleong/drawingtileflow/internal/store"
	"github.com/Lllllllleong/drawingtileflow/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 5
)

// TileHandler runs generate_drawing_tiles jobs.
type TileHandler interface {
	Handle(ctx context.Context, p models.GenerateTilesPayload) (*services.TileJobReport, error)
}

// DrawingSetProcessor runs process_drawing_set jobs. Rendering PDFs happens
// outside this worker, so it is only wired when a host provides one.
type DrawingSetProcessor interface {
	ProcessDrawingSet(ctx context.Context, p models.ProcessDrawingSetPayload) error
}

// Options configures a Poller. Zero values select the defaults.
type Options struct {
	Interval  time.Duration
	BatchSize int
	Retry     *RetryPolicy
	Sets      DrawingSetProcessor
	Sink      telemetry.Sink
	Metrics   *telemetry.Metrics
}

// Poller runs claim and dispatch cycles. Cycles never overlap.
type Poller struct {
	jobs    store.Jobs
	tiles   TileHandler
	sets    DrawingSetProcessor
	sink    telemetry.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger

	interval  time.Duration
	batchSize int
	retry     RetryPolicy
	now       func() time.Time
}

func NewPoller(jobs store.Jobs, tiles TileHandler, opts Options, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		jobs:      jobs,
		tiles:     tiles,
		sets:      opts.Sets,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		retry:     DefaultRetryPolicy(),
		now:       time.Now,
	}
	if opts.Retry != nil {
		p.retry = *opts.Retry
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.sink == nil {
		p.sink = &telemetry.LogSink{Logger: logger, Metrics: opts.Metrics}
	}
	return p
}

// Kinds lists the job types this poller claims.
func (p *Poller) Kinds() []models.JobKind {
	kinds := []models.JobKind{models.KindGenerateDrawingTiles}
	if p.sets != nil {
		kinds = append(kinds, models.KindProcessDrawingSet)
	}
	return kinds
}

// Run polls until ctx is cancelled. The first cycle starts immediately and a
// running cycle is always allowed to finish.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started.", "interval", p.interval.String(), "batchSize", p.batchSize, "kinds", p.Kinds())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error("Poll cycle failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch, runs every job concurrently and waits for all of
// them. It returns the number of jobs claimed.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	jobs, err := p.jobs.ClaimJobs(ctx, p.Kinds(), p.batchSize, p.now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	p.logger.Debug("Claimed jobs.", "count", len(jobs))

	// In-flight jobs are never cancelled by shutdown.
	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dispatch(jobCtx, job)
		}()
	}
	wg.Wait()
	return len(jobs), nil
}

func (p *Poller) dispatch(ctx context.Context, job models.Job) {
	ctx, span := telemetry.Tracer().Start(ctx, "jobs.dispatch", trace.WithAttributes(
		attribute.String(telemetry.AttrJobID, job.ID),
		attribute.String(telemetry.AttrJobKind, string(job.Kind)),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()
	logCtx := p.logger.With("jobId", job.ID, "jobType", job.Kind, "retryCount", job.RetryCount)

	// A failed status write leaves the job processing; it is claimed again
	// once its claim lease expires.
	err := p.execute(ctx, job)
	if err == nil {
		if err := p.jobs.CompleteJob(ctx, job.ID, p.now()); err != nil {
			logCtx.Error("Failed to mark job completed.", "error", err)
			return
		}
		p.metrics.JobCompleted(ctx, string(job.Kind))
		logCtx.Info("Job completed.")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := errkind.Of(err)
	lastError := fmt.Sprintf("%s: %v", kind, err)

	count, runAt, terminal := p.retry.Next(job.RetryCount, err, p.now())
	if terminal {
		if ferr := p.jobs.FailJob(ctx, job.ID, count, lastError); ferr != nil {
			logCtx.Error("Failed to mark job failed.", "error", ferr, "jobError", err)
			return
		}
		p.metrics.JobFailed(ctx, string(job.Kind))
		logCtx.Error("Job failed permanently.", "error", err, "errorKind", kind, "attempts", count)
		return
	}
	if rerr := p.jobs.RescheduleJob(ctx, job.ID, count, runAt, lastError); rerr != nil {
		logCtx.Error("Failed to reschedule job.", "error", rerr, "jobError", err)
		return
	}
	p.metrics.JobRetried(ctx, string(job.Kind))
	logCtx.Warn("Job failed, rescheduled.", "error", err, "errorKind", kind, "retryCount", count, "runAt", runAt)
}

func (p *Poller) execute(ctx context.Context, job models.Job) error {
	payload, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return errkind.AsPermanent(err)
	}

	switch pl := payload.(type) {
	case models.GenerateTilesPayload:
		report, err := p.tiles.Handle(ctx, pl)
		if err != nil {
			return err
		}
		for _, w := range report.Warnings {
			p.sink.Report(ctx, w, "jobId", job.ID, "sheetVersionId", report.SheetVersionID, "orgId", report.OrgID)
		}
		return nil
	case models.ProcessDrawingSetPayload:
		if p.sets == nil {
			return errkind.Permanentf("no processor configured for %s jobs", job.Kind)
		}
		return p.sets.ProcessDrawingSet(ctx, pl)
	default:
		return errkind.Permanentf("no handler for job type %s", job.Kind)
	}
}
