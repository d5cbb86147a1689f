package pulse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/fetch"
	reeltest "github.com/teranos/reel/internal/testing"
	"github.com/teranos/reel/pulse/schedule"
)

// fakeInvoker writes a file for any URL except those containing "invalid".
type fakeInvoker struct {
	dir string
}

func (f *fakeInvoker) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	if strings.Contains(req.URL, "invalid") {
		return fetch.Result{
			Status: fetch.ResultError,
			Reason: fetch.ReasonToolFailed,
			Stderr: "ERROR: Unsupported URL: " + req.URL,
		}
	}
	path := fetch.ResolveCollision(filepath.Join(f.dir, "video.mp4"))
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		return fetch.Result{Status: fetch.ResultError, Reason: fetch.ReasonFilesystem, Err: err}
	}
	return fetch.Result{Status: fetch.ResultSuccess, FilePath: path}
}

func (f *fakeInvoker) ListFormats(ctx context.Context, url string) ([]fetch.Format, error) {
	return []fetch.Format{{ID: "137", Ext: "mp4"}, {ID: "140", Ext: "m4a"}}, nil
}

type harness struct {
	svc   *Service
	store *schedule.Store
	cfg   *am.Config
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := am.Defaults()
	cfg.Fetch.DownloadDir = dir
	cfg.Pulse.TickerIntervalSeconds = 1

	store := schedule.NewStore(reeltest.CreateTestDB(t))
	svc := NewService(context.Background(), store, &fakeInvoker{dir: dir}, cfg, zaptest.NewLogger(t).Sugar())
	return &harness{svc: svc, store: store, cfg: cfg, dir: dir}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(h.svc.Stop)
}

func (h *harness) totalJobs(t *testing.T) int {
	t.Helper()
	counts, err := h.store.CountByStatus(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestParseScheduledTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2030-01-02T15:04:05Z", time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)},
		{"2030-01-02T17:04:05+02:00", time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)},
		{"2030-01-02T10:04:05.5-05:00", time.Date(2030, 1, 2, 15, 4, 5, 500000000, time.UTC)},
		{"2030-01-02T15:04:05", time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)},
		{"2030-01-02 15:04:05", time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)},
		{"2030-01-02T15:04", time.Date(2030, 1, 2, 15, 4, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseScheduledTime(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestSubmitScheduled_RejectsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, ts := range []string{"", "   ", "tomorrow", "2030-13-01T00:00:00Z", "2030-01-01T11:59:59Z", "2030-01-01T12:00:00Z"} {
		_, err := h.svc.SubmitScheduled(context.Background(), Request{SourceURL: "https://example.com/v", ScheduledTime: ts}, now)
		require.Error(t, err, "scheduled_time %q", ts)
		assert.True(t, errors.IsInvalidRequestError(err), "scheduled_time %q: %v", ts, err)
	}

	_, err := h.svc.SubmitScheduled(context.Background(), Request{ScheduledTime: "2030-01-02T00:00:00Z"}, now)
	assert.True(t, errors.IsInvalidRequestError(err), "missing url")

	assert.Equal(t, 0, h.totalJobs(t))
}

func TestSubmitScheduled_NormalizesAndApplyDefaults(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	sub, err := h.svc.SubmitScheduled(context.Background(), Request{
		SourceURL:     "https://example.com/v",
		ScheduledTime: "2030-01-01T15:30:00+02:00", // 13:30 UTC
	}, now)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusScheduled, sub.Status)
	assert.NotEmpty(t, sub.TaskID)

	job, err := h.store.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.True(t, time.Date(2030, 1, 1, 13, 30, 0, 0, time.UTC).Equal(job.ScheduledTime))
	assert.Equal(t, "bestvideo", job.VideoQuality)
	assert.Equal(t, "bestaudio", job.AudioQuality)
	assert.Equal(t, filepath.Join(h.dir, "%(title)s.%(ext)s"), job.OutputPathTemplate)

	views, err := h.svc.ListScheduled(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].TimeRemaining)
	assert.InDelta(t, 90.0, *views[0].TimeRemaining, 0.001)

	st, err := h.svc.Status(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusScheduled, st.Status)
	assert.Nil(t, st.FilePath)
}

func TestSubmitImmediate_CompletesEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sub, err := h.svc.SubmitImmediate(context.Background(), Request{SourceURL: "https://example.com/watch?v=ok"})
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusInProgress, sub.Status)

	require.Eventually(t, func() bool {
		st, err := h.svc.Status(context.Background(), sub.TaskID)
		return err == nil && st.Status == schedule.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	st, err := h.svc.Status(context.Background(), sub.TaskID)
	require.NoError(t, err)
	require.NotNil(t, st.FilePath)
	assert.FileExists(t, *st.FilePath)

	history, err := h.svc.ListHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sub.TaskID, history[0].TaskID)
	assert.Nil(t, history[0].TimeRemaining)
}

func TestSubmitImmediate_InvalidURLEndsInError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sub, err := h.svc.SubmitImmediate(context.Background(), Request{SourceURL: "invalid-url"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := h.store.Get(context.Background(), sub.TaskID)
		return err == nil && job.Status == schedule.StatusError
	}, 5*time.Second, 10*time.Millisecond)

	st, err := h.svc.Status(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusError, st.Status)
	assert.Nil(t, st.FilePath)
	assert.Contains(t, st.Error, "Unsupported URL")
}

func TestStatus_ImmediateJobReportedInProgressBeforeClaim(t *testing.T) {
	h := newHarness(t)
	// Not started: the pool rejects, the job waits for the ticker

	sub, err := h.svc.SubmitImmediate(context.Background(), Request{SourceURL: "https://example.com/v"})
	require.NoError(t, err)

	job, err := h.store.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusScheduled, job.Status)

	st, err := h.svc.Status(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusInProgress, st.Status)
}

func TestStatus_UnknownTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Status(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := h.svc.Cancel(ctx, "unknown")
	assert.True(t, errors.IsNotFoundError(err))

	sub, err := h.svc.SubmitScheduled(ctx, Request{SourceURL: "https://example.com/v", ScheduledTime: now.Add(time.Hour).Format(time.RFC3339)}, now)
	require.NoError(t, err)
	require.NoError(t, h.svc.Cancel(ctx, sub.TaskID))

	_, err = h.store.Get(ctx, sub.TaskID)
	assert.True(t, errors.IsNotFoundError(err), "cancelled job is gone")
	assert.True(t, errors.IsNotFoundError(h.svc.Cancel(ctx, sub.TaskID)))

	running, err := h.svc.SubmitScheduled(ctx, Request{SourceURL: "https://example.com/w", ScheduledTime: now.Add(time.Hour).Format(time.RFC3339)}, now)
	require.NoError(t, err)
	require.NoError(t, h.store.TransitionStatus(ctx, running.TaskID, schedule.StatusScheduled, schedule.StatusInProgress, nil, ""))

	err = h.svc.Cancel(ctx, running.TaskID)
	assert.True(t, errors.IsConflictError(err))
	_, err = h.store.Get(ctx, running.TaskID)
	assert.NoError(t, err, "running job is kept")
}

func TestCancel_ImmediateJobReportedInProgressConflicts(t *testing.T) {
	h := newHarness(t) // never started, so no worker claims the job
	ctx := context.Background()

	sub, err := h.svc.SubmitImmediate(ctx, Request{SourceURL: "https://example.com/v"})
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusInProgress, sub.Status)

	st, err := h.svc.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusInProgress, st.Status)

	err = h.svc.Cancel(ctx, sub.TaskID)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	_, err = h.store.Get(ctx, sub.TaskID)
	assert.NoError(t, err, "job reported as started is kept")
}

func TestService_RestartResumesDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx))
	h.svc.Stop()
	h.start(t)

	now := time.Now().UTC()
	sub, err := h.svc.SubmitScheduled(ctx, Request{
		SourceURL:     "https://example.com/v",
		ScheduledTime: now.Add(500 * time.Millisecond).Format(time.RFC3339Nano),
	}, now)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.svc.Status(ctx, sub.TaskID)
		return err == nil && st.Status == schedule.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond, "restarted service never ran the due job")
	assert.Equal(t, true, h.svc.ticker.GetStats()["running"])
}

func TestStart_RecoversInterruptedJobsAndDispatchesOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, h.store.Add(ctx, &schedule.Job{
		TaskID: "stuck", SourceURL: "https://example.com/a", OutputPathTemplate: filepath.Join(h.dir, "%(title)s.%(ext)s"),
		VideoQuality: "bestvideo", AudioQuality: "bestaudio", ScheduledTime: past,
	}))
	require.NoError(t, h.store.TransitionStatus(ctx, "stuck", schedule.StatusScheduled, schedule.StatusInProgress, nil, ""))

	require.NoError(t, h.store.Add(ctx, &schedule.Job{
		TaskID: "overdue", SourceURL: "https://example.com/b", OutputPathTemplate: filepath.Join(h.dir, "%(title)s.%(ext)s"),
		VideoQuality: "bestvideo", AudioQuality: "bestaudio", ScheduledTime: past,
	}))

	h.start(t)

	stuck, err := h.store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusError, stuck.Status)
	assert.Equal(t, schedule.InterruptedDiagnostic, stuck.ErrorMessage)

	require.Eventually(t, func() bool {
		job, err := h.store.Get(ctx, "overdue")
		return err == nil && job.Status == schedule.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListFormatsAndStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	formats, err := h.svc.ListFormats(ctx, "https://example.com/v")
	require.NoError(t, err)
	assert.Len(t, formats, 2)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Pulse.Workers, stats.Pool.Workers)
	assert.Equal(t, 0, stats.Jobs[schedule.StatusScheduled])
	assert.Contains(t, stats.Ticker, "running")

	families, err := h.svc.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "reel_pulse_worker_pool_size")
}
