// Package telemetry provides OpenTelemetry instrumentation for the tile
// worker. Instruments come from the global providers, which are no-ops
// unless the host process installs an SDK.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Lllllllleong/drawingtileflow"

// Attribute keys.
const (
	AttrJobID          = "job.id"
	AttrJobKind        = "job.kind"
	AttrSheetVersionID = "drawing.sheet_version_id"
	AttrOrgID          = "drawing.org_id"
	AttrLevel          = "tiles.level"
	AttrWarning        = "warning.kind"
)

// Tracer starts spans for jobs and pyramid levels.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the worker's counters.
type Metrics struct {
	tilesUploaded metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsRetried   metric.Int64Counter
	jobsFailed    metric.Int64Counter
	warnings      metric.Int64Counter
}

// NewMetrics creates counters on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	m.tilesUploaded = counter(meter, "tiles.uploaded", "Tiles uploaded to object storage", "{tile}")
	m.jobsCompleted = counter(meter, "jobs.completed", "Jobs that finished successfully", "{job}")
	m.jobsRetried = counter(meter, "jobs.retried", "Failed jobs rescheduled for retry", "{job}")
	m.jobsFailed = counter(meter, "jobs.failed", "Jobs that failed terminally", "{job}")
	m.warnings = counter(meter, "jobs.warnings", "Non-fatal failures reported by job handlers", "{warning}")
	return m
}

func counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		c, _ = meter.Int64Counter(name)
	}
	return c
}

func (m *Metrics) TilesUploaded(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.tilesUploaded.Add(ctx, int64(n))
}

func (m *Metrics) JobCompleted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrJobKind, kind)))
}

func (m *Metrics) JobRetried(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.jobsRetried.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrJobKind, kind)))
}

func (m *Metrics) JobFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrJobKind, kind)))
}

// Warning is a failure that must stay visible without failing the job
// that produced it.
type Warning struct {
	Kind string
	Err  error
}

// Sink receives warnings bubbled up from job handlers.
type Sink interface {
	Report(ctx context.Context, w Warning, attrs ...any)
}

// LogSink logs each warning and counts it.
type LogSink struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

func (s *LogSink) Report(ctx context.Context, w Warning, attrs ...any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "Job finished with a non-fatal failure.", append([]any{"warning", w.Kind, "error", w.Err}, attrs...)...)
	if s.Metrics != nil {
		s.Metrics.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrWarning, w.Kind)))
	}
	trace.SpanFromContext(ctx).AddEvent("warning", trace.WithAttributes(
		attribute.String(AttrWarning, w.Kind),
		attribute.String("error", w.Err.Error()),
	))
}
