package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse/schedule"
)

// stopTimeout bounds how long Stop waits for running jobs.
const stopTimeout = 30 * time.Second

// Pool errors. Both wrap errors.ErrServiceUnavailable.
var (
	ErrPoolSaturated = errors.Wrap(errors.ErrServiceUnavailable, "worker pool saturated")
	ErrPoolStopped   = errors.Wrap(errors.ErrServiceUnavailable, "worker pool is not running")
)

// pulseLogger groups the symbol-tagged loggers used by the pool:
// ✿ for opening, ❀ for closing and ꩜ for everything in between.
type pulseLogger struct {
	open  *zap.SugaredLogger
	close *zap.SugaredLogger
	pulse *zap.SugaredLogger
}

func newPulseLogger(l *zap.SugaredLogger) pulseLogger {
	return pulseLogger{
		open:  logger.AddPulseOpenSymbol(l),
		close: logger.AddPulseCloseSymbol(l),
		pulse: logger.AddPulseSymbol(l),
	}
}

// Starting logs an opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.open.Infow(msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.close.Infow(msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.pulse.Infow(msg, keysAndValues...)
}

// JobExecutor runs one job. *Executor implements it.
type JobExecutor interface {
	Execute(ctx context.Context, job *schedule.Job) error
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers   int `json:"workers"`    // concurrent tool invocations
	QueueSize int `json:"queue_size"` // accepted jobs waiting for a worker
}

// DefaultWorkerPoolConfig returns the defaults used when nothing is configured
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   2,
		QueueSize: 64,
	}
}

// WorkerPoolConfigFromAM extracts pool settings from the loaded configuration.
func WorkerPoolConfigFromAM(cfg *am.Config) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   cfg.Pulse.Workers,
		QueueSize: cfg.Pulse.QueueSize,
	}
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Running       bool          `json:"running"`
	Workers       int           `json:"workers"`
	ActiveWorkers int           `json:"active_workers"`
	Queued        int           `json:"queued"`
	QueueCapacity int           `json:"queue_capacity"`
	InFlight      int           `json:"in_flight"`
	JobsProcessed int64         `json:"jobs_processed"`
	Uptime        time.Duration `json:"uptime"`
}

// WorkerPool runs jobs on a fixed number of workers fed by a bounded queue.
// Submit never blocks: when the queue is full the job is rejected and stays
// scheduled for the next tick.
type WorkerPool struct {
	executor  JobExecutor
	metrics   *Metrics
	workers   int
	queue     chan *schedule.Job
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    pulseLogger

	mu            sync.Mutex
	running       bool
	inFlight      map[string]struct{} // queued or executing
	activeWorkers int
	jobsProcessed int64
	startTime     time.Time
}

// NewWorkerPool creates a stopped pool. Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, executor JobExecutor, cfg WorkerPoolConfig, metrics *Metrics, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if cfg.Workers < 1 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logger.ComponentLogger("pulse.pool")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	metrics.WorkerPoolSize.Set(float64(cfg.Workers))

	return &WorkerPool{
		executor:  executor,
		metrics:   metrics,
		workers:   cfg.Workers,
		queue:     make(chan *schedule.Job, cfg.QueueSize),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		inFlight:  make(map[string]struct{}),
		logger:    newPulseLogger(log),
	}
}

// Start launches the workers. Calling Start on a running pool does nothing.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	// Recreate the context after a previous Stop
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.pulse.Warnw("Memory pressure warning", "warning", warning, logger.FieldWorker, wp.workers)
	}

	wp.running = true
	wp.startTime = time.Now()
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(wp.ctx, i)
	}

	wp.logger.Starting("Worker pool started",
		"workers", wp.workers,
		logger.FieldQueueSize, cap(wp.queue))
}

// Stop cancels the workers and waits for running jobs, up to 30 seconds.
// Jobs still queued were never claimed and remain scheduled in the store.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited")
	case <-time.After(stopTimeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be finishing", "timeout", stopTimeout)
	}

	wp.drainQueue()
}

// Submit hands job to the pool without blocking. It returns
// schedule.ErrAlreadyDispatched when the job is already queued or running,
// ErrPoolSaturated when the queue is full and ErrPoolStopped when the pool
// is not running.
func (wp *WorkerPool) Submit(job *schedule.Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return ErrPoolStopped
	}
	if _, ok := wp.inFlight[job.TaskID]; ok {
		return schedule.ErrAlreadyDispatched
	}

	select {
	case wp.queue <- job:
		wp.inFlight[job.TaskID] = struct{}{}
		wp.metrics.JobsDispatched.Inc()
		wp.metrics.QueueDepth.Set(float64(len(wp.queue)))
		return nil
	default:
		wp.metrics.DispatchRejected.Inc()
		return ErrPoolSaturated
	}
}

// Stats returns a snapshot of the pool
func (wp *WorkerPool) Stats() PoolStats {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	stats := PoolStats{
		Running:       wp.running,
		Workers:       wp.workers,
		ActiveWorkers: wp.activeWorkers,
		Queued:        len(wp.queue),
		QueueCapacity: cap(wp.queue),
		InFlight:      len(wp.inFlight),
		JobsProcessed: wp.jobsProcessed,
	}
	if wp.running {
		stats.Uptime = time.Since(wp.startTime)
	}
	return stats
}

// worker processes jobs from the queue until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-wp.queue:
			wp.metrics.QueueDepth.Set(float64(len(wp.queue)))
			if ctx.Err() != nil {
				wp.release(job)
				return
			}
			wp.process(ctx, id, job)
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, id int, job *schedule.Job) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	wp.metrics.WorkersBusy.Inc()

	defer func() {
		if r := recover(); r != nil {
			wp.logger.pulse.Errorw("Worker recovered from panic",
				logger.FieldWorker, id,
				logger.FieldJobID, job.TaskID,
				"panic", r)
		}
		wp.metrics.WorkersBusy.Dec()
		wp.mu.Lock()
		wp.activeWorkers--
		wp.jobsProcessed++
		delete(wp.inFlight, job.TaskID)
		wp.mu.Unlock()
	}()

	if err := wp.executor.Execute(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		wp.logger.pulse.Errorw("Worker error processing job",
			logger.FieldWorker, id,
			logger.FieldJobID, job.TaskID,
			logger.FieldError, err)
	}
}

// release forgets a job that was accepted but will not run.
func (wp *WorkerPool) release(job *schedule.Job) {
	wp.mu.Lock()
	delete(wp.inFlight, job.TaskID)
	wp.mu.Unlock()
}

// drainQueue drops jobs that were accepted but never started so a restarted
// pool (or the next tick) can dispatch them again.
func (wp *WorkerPool) drainQueue() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	dropped := 0
	for {
		select {
		case job := <-wp.queue:
			delete(wp.inFlight, job.TaskID)
			dropped++
		default:
			wp.metrics.QueueDepth.Set(0)
			if dropped > 0 {
				wp.logger.Closing("Released queued jobs back to the schedule", logger.FieldCount, dropped)
			}
			return
		}
	}
}
