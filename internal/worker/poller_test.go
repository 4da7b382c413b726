package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/Lllllllleong/drawingtileflow/internal/services"
	"github.com/Lllllllleong/drawingtileflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errBoom = errors.New("boom")
)

type reschedule struct {
	retryCount int
	runAt      time.Time
	lastError  string
}

type failure struct {
	retryCount int
	lastError  string
}

// fakeJobs hands out a fixed batch once and records every transition.
type fakeJobs struct {
	mu         sync.Mutex
	pending    []models.Job
	claimKinds [][]models.JobKind
	claimLimit int
	onClaim    func()
	claimErr   error

	completed   []string
	rescheduled map[string]reschedule
	failed      map[string]failure
}

func newFakeJobs(jobs ...models.Job) *fakeJobs {
	return &fakeJobs{pending: jobs, rescheduled: map[string]reschedule{}, failed: map[string]failure{}}
}

func (f *fakeJobs) ClaimJobs(_ context.Context, kinds []models.JobKind, limit int, _ time.Time) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimKinds = append(f.claimKinds, kinds)
	f.claimLimit = limit
	if f.onClaim != nil {
		f.onClaim()
	}
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := min(limit, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeJobs) CompleteJob(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobs) RescheduleJob(_ context.Context, id string, retryCount int, runAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled[id] = reschedule{retryCount: retryCount, runAt: runAt, lastError: lastError}
	return nil
}

func (f *fakeJobs) FailJob(_ context.Context, id string, retryCount int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failure{retryCount: retryCount, lastError: lastError}
	return nil
}

func (f *fakeJobs) EnqueueJob(context.Context, models.JobKind, json.RawMessage, time.Time) (string, error) {
	return "", errors.New("not supported")
}

type tileHandlerFunc func(ctx context.Context, p models.GenerateTilesPayload) (*services.TileJobReport, error)

func (f tileHandlerFunc) Handle(ctx context.Context, p models.GenerateTilesPayload) (*services.TileJobReport, error) {
	return f(ctx, p)
}

func succeed(_ context.Context, p models.GenerateTilesPayload) (*services.TileJobReport, error) {
	return &services.TileJobReport{SheetVersionID: p.SheetVersionID}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	warnings []telemetry.Warning
}

func (s *recordingSink) Report(_ context.Context, w telemetry.Warning, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, w)
}

func tileJob(id, sheetVersionID string, retryCount int) models.Job {
	return models.Job{
		ID:         id,
		Kind:       models.KindGenerateDrawingTiles,
		Payload:    json.RawMessage(`{"sheetVersionId":"` + sheetVersionID + `"}`),
		RetryCount: retryCount,
		RunAt:      testNow.Add(-time.Minute),
		Status:     models.JobProcessing,
	}
}

func newTestPoller(jobs *fakeJobs, h TileHandler, opts Options) *Poller {
	p := NewPoller(jobs, h, opts, nil)
	p.now = func() time.Time { return testNow }
	return p
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	count, runAt, terminal := p.Next(0, errBoom, testNow)
	assert.Equal(t, 1, count)
	assert.False(t, terminal)
	assert.Equal(t, testNow.Add(2*time.Minute), runAt)

	count, runAt, terminal = p.Next(1, errBoom, testNow)
	assert.Equal(t, 2, count)
	assert.False(t, terminal)
	assert.Equal(t, testNow.Add(4*time.Minute), runAt)

	count, _, terminal = p.Next(2, errBoom, testNow)
	assert.Equal(t, 3, count)
	assert.True(t, terminal)

	_, _, terminal = p.Next(0, errkind.Permanentf("bad raster"), testNow)
	assert.False(t, terminal, "permanent errors are retried by default")

	p.RetryPermanent = false
	count, _, terminal = p.Next(0, errkind.Permanentf("bad raster"), testNow)
	assert.True(t, terminal)
	assert.Equal(t, 1, count)
	_, _, terminal = p.Next(0, errBoom, testNow)
	assert.False(t, terminal)
}

func TestFirstFailureIsRescheduled(t *testing.T) {
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0))
	p := newTestPoller(jobs, tileHandlerFunc(func(context.Context, models.GenerateTilesPayload) (*services.TileJobReport, error) {
		return nil, errBoom
	}), Options{})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := jobs.rescheduled["job-1"]
	require.True(t, ok)
	assert.Equal(t, 1, got.retryCount)
	assert.Equal(t, testNow.Add(2*time.Minute), got.runAt)
	assert.Equal(t, "transient: boom", got.lastError)
	assert.Empty(t, jobs.failed)
	assert.Empty(t, jobs.completed)
}

func TestThirdFailureIsTerminal(t *testing.T) {
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 2))
	p := newTestPoller(jobs, tileHandlerFunc(func(context.Context, models.GenerateTilesPayload) (*services.TileJobReport, error) {
		return nil, errkind.Permanentf("sheet version sv-1 has no temp raster path")
	}), Options{})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	got, ok := jobs.failed["job-1"]
	require.True(t, ok)
	assert.Equal(t, 3, got.retryCount)
	assert.True(t, strings.HasPrefix(got.lastError, "permanent: "))
	assert.Empty(t, jobs.rescheduled)
}

func TestPermanentErrorsFailFastWhenConfigured(t *testing.T) {
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0))
	policy := DefaultRetryPolicy()
	policy.RetryPermanent = false
	p := newTestPoller(jobs, tileHandlerFunc(func(context.Context, models.GenerateTilesPayload) (*services.TileJobReport, error) {
		return nil, errkind.Permanentf("bad raster")
	}), Options{Retry: &policy})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, jobs.failed["job-1"].retryCount)
}

func TestOneFailureDoesNotAffectOthers(t *testing.T) {
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0), tileJob("job-2", "sv-2", 0), tileJob("job-3", "sv-3", 0))

	// Every handler waits until all three are running, so the batch must be
	// dispatched concurrently.
	var started sync.WaitGroup
	started.Add(3)
	p := newTestPoller(jobs, tileHandlerFunc(func(ctx context.Context, pl models.GenerateTilesPayload) (*services.TileJobReport, error) {
		started.Done()
		started.Wait()
		if pl.SheetVersionID == "sv-2" {
			return nil, errBoom
		}
		return succeed(ctx, pl)
	}), Options{})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"job-1", "job-3"}, jobs.completed)
	assert.Contains(t, jobs.rescheduled, "job-2")
}

func TestShutdownDoesNotCancelInFlightJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0))

	var handlerErr error
	p := newTestPoller(jobs, tileHandlerFunc(func(hctx context.Context, pl models.GenerateTilesPayload) (*services.TileJobReport, error) {
		cancel()
		handlerErr = hctx.Err()
		return succeed(hctx, pl)
	}), Options{})

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.NoError(t, handlerErr)
	assert.Equal(t, []string{"job-1"}, jobs.completed)
}

func TestWarningsGoToSink(t *testing.T) {
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0))
	sink := &recordingSink{}
	p := newTestPoller(jobs, tileHandlerFunc(func(_ context.Context, pl models.GenerateTilesPayload) (*services.TileJobReport, error) {
		return &services.TileJobReport{
			SheetVersionID: pl.SheetVersionID,
			Warnings:       []telemetry.Warning{{Kind: services.WarningTempCleanup, Err: errBoom}},
		}, nil
	}), Options{Sink: sink})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, jobs.completed)
	require.Len(t, sink.warnings, 1)
	assert.Equal(t, services.WarningTempCleanup, sink.warnings[0].Kind)
}

type setProcessorFunc func(ctx context.Context, p models.ProcessDrawingSetPayload) error

func (f setProcessorFunc) ProcessDrawingSet(ctx context.Context, p models.ProcessDrawingSetPayload) error {
	return f(ctx, p)
}

func TestDispatchByKind(t *testing.T) {
	setJob := models.Job{ID: "job-2", Kind: models.KindProcessDrawingSet, Payload: json.RawMessage(`{"drawingSetId":"set-1"}`)}
	badJob := models.Job{ID: "job-3", Kind: models.KindGenerateDrawingTiles, Payload: json.RawMessage(`{`)}
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0), setJob, badJob)

	var gotSet string
	p := newTestPoller(jobs, tileHandlerFunc(succeed), Options{
		Sets: setProcessorFunc(func(_ context.Context, pl models.ProcessDrawingSetPayload) error {
			gotSet = pl.DrawingSetID
			return nil
		}),
	})
	assert.ElementsMatch(t, []models.JobKind{models.KindGenerateDrawingTiles, models.KindProcessDrawingSet}, p.Kinds())

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "set-1", gotSet)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, jobs.completed)
	assert.True(t, strings.HasPrefix(jobs.rescheduled["job-3"].lastError, "permanent: "))
}

func TestKindsWithoutSetProcessor(t *testing.T) {
	jobs := newFakeJobs()
	p := newTestPoller(jobs, tileHandlerFunc(succeed), Options{BatchSize: 2})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, jobs.claimKinds, 1)
	assert.Equal(t, []models.JobKind{models.KindGenerateDrawingTiles}, jobs.claimKinds[0])
	assert.Equal(t, 2, jobs.claimLimit)
}

func TestClaimErrorIsReturned(t *testing.T) {
	jobs := newFakeJobs()
	jobs.claimErr = errBoom
	p := newTestPoller(jobs, tileHandlerFunc(succeed), Options{})

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestRunStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := newFakeJobs(tileJob("job-1", "sv-1", 0))
	jobs.onClaim = cancel
	p := newTestPoller(jobs, tileHandlerFunc(succeed), Options{Interval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, jobs.claimKinds, 1, "first cycle runs immediately and no cycle follows cancel")
	assert.Equal(t, []string{"job-1"}, jobs.completed, "the claimed batch still finishes")
}
