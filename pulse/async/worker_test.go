package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/pulse/schedule"
)

// ============================================================================
// Kirby Test Universe
// ============================================================================
//
// Kirby swallows jobs from the queue and runs them; when his mouth is full
// the rest have to wait for the next tick.
// ============================================================================

// kirbyExecutor records executed jobs and can hold them until released.
type kirbyExecutor struct {
	mu       sync.Mutex
	executed []string
	hold     chan struct{}
	started  chan string
	err      error
}

func (k *kirbyExecutor) Execute(ctx context.Context, job *schedule.Job) error {
	if k.started != nil {
		k.started <- job.TaskID
	}
	if k.hold != nil {
		select {
		case <-k.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	k.mu.Lock()
	k.executed = append(k.executed, job.TaskID)
	k.mu.Unlock()
	return k.err
}

func (k *kirbyExecutor) ids() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

func job(id string) *schedule.Job {
	return &schedule.Job{TaskID: id, Status: schedule.StatusScheduled}
}

func TestWorkerPool_RejectsBeforeStart(t *testing.T) {
	pool := NewWorkerPool(context.Background(), &kirbyExecutor{}, WorkerPoolConfig{Workers: 1, QueueSize: 1}, nil, zaptest.NewLogger(t).Sugar())

	err := pool.Submit(job("a"))
	assert.True(t, errors.Is(err, ErrPoolStopped))
	assert.True(t, errors.IsServiceUnavailableError(err))
}

func TestWorkerPool_ExecutesSubmittedJobs(t *testing.T) {
	kirby := &kirbyExecutor{started: make(chan string, 3)}
	pool := NewWorkerPool(context.Background(), kirby, WorkerPoolConfig{Workers: 2, QueueSize: 4}, nil, zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(job(id)))
	}

	require.Eventually(t, func() bool { return len(kirby.ids()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, kirby.ids())

	require.Eventually(t, func() bool { return pool.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), pool.Stats().JobsProcessed)
}

func TestWorkerPool_SaturationAndDuplicates(t *testing.T) {
	kirby := &kirbyExecutor{hold: make(chan struct{}), started: make(chan string, 1)}
	metrics := NewMetrics(nil)
	pool := NewWorkerPool(context.Background(), kirby, WorkerPoolConfig{Workers: 1, QueueSize: 1}, metrics, zaptest.NewLogger(t).Sugar())
	pool.Start()

	// Worker busy with "a"
	require.NoError(t, pool.Submit(job("a")))
	<-kirby.started

	// "a" is running, so the ticker seeing it again is not a new dispatch
	assert.True(t, errors.Is(pool.Submit(job("a")), schedule.ErrAlreadyDispatched))

	// Queue holds one
	require.NoError(t, pool.Submit(job("b")))
	assert.True(t, errors.Is(pool.Submit(job("b")), schedule.ErrAlreadyDispatched))

	// Full
	err := pool.Submit(job("c"))
	assert.True(t, errors.Is(err, ErrPoolSaturated))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DispatchRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobsDispatched))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 2, stats.InFlight)

	close(kirby.hold)
	require.Eventually(t, func() bool { return len(kirby.ids()) == 2 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()
}

func TestWorkerPool_StopReleasesQueuedJobs(t *testing.T) {
	kirby := &kirbyExecutor{hold: make(chan struct{}), started: make(chan string, 1)}
	pool := NewWorkerPool(context.Background(), kirby, WorkerPoolConfig{Workers: 1, QueueSize: 2}, nil, zaptest.NewLogger(t).Sugar())
	pool.Start()

	require.NoError(t, pool.Submit(job("running")))
	<-kirby.started
	require.NoError(t, pool.Submit(job("queued")))

	// Stop cancels the running job's context and drops the queued one
	pool.Stop()

	stats := pool.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.InFlight)
	assert.True(t, errors.Is(pool.Submit(job("late")), ErrPoolStopped))

	// Restart accepts the released job again
	kirby.hold = nil
	kirby.started = nil
	pool.Start()
	defer pool.Stop()
	require.NoError(t, pool.Submit(job("queued")))
	require.Eventually(t, func() bool { return len(kirby.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"queued"}, kirby.ids())
}

func TestWorkerPool_ExecutorErrorDoesNotStopWorker(t *testing.T) {
	kirby := &kirbyExecutor{err: errors.New("store unavailable")}
	pool := NewWorkerPool(context.Background(), kirby, WorkerPoolConfig{Workers: 1, QueueSize: 4}, nil, zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(job("a")))
	require.NoError(t, pool.Submit(job("b")))

	require.Eventually(t, func() bool { return len(kirby.ids()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerPool_DefaultsAndIdempotentLifecycle(t *testing.T) {
	pool := NewWorkerPool(context.Background(), &kirbyExecutor{}, WorkerPoolConfig{}, nil, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, DefaultWorkerPoolConfig().Workers, pool.Stats().Workers)
	assert.Equal(t, DefaultWorkerPoolConfig().QueueSize, pool.Stats().QueueCapacity)

	pool.Stop() // not started
	pool.Start()
	pool.Start()
	assert.True(t, pool.Stats().Running)
	pool.Stop()
	pool.Stop()
	assert.False(t, pool.Stats().Running)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	tests := []struct {
		availableGB float64
		want        int
	}{
		{0.5, 1},
		{1.2, 1},
		{2.0, 2},
		{4.0, 6},
		{64.0, 16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateSafeWorkerCount(tt.availableGB), "available=%.1fGB", tt.availableGB)
	}
}

func TestGetSystemMetrics(t *testing.T) {
	pool := NewWorkerPool(context.Background(), &kirbyExecutor{}, WorkerPoolConfig{Workers: 3, QueueSize: 1}, nil, zaptest.NewLogger(t).Sugar())

	m := pool.GetSystemMetrics()
	assert.Equal(t, 3, m.WorkersTotal)
	assert.Equal(t, 0, m.WorkersActive)
	assert.GreaterOrEqual(t, m.MemoryPercent, 0.0)
	assert.LessOrEqual(t, m.MemoryPercent, 100.0)
}
