package async

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reel/db"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/fetch"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse/schedule"
)

// terminalWriteTimeout bounds the final status write, which must happen even
// when the worker context is already cancelled.
const terminalWriteTimeout = 10 * time.Second

// Fetcher retrieves one media item. *fetch.Invoker implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) fetch.Result
}

// Executor runs a single job to a terminal status.
type Executor struct {
	store    *schedule.Store
	fetcher  Fetcher
	registry *Registry
	metrics  *Metrics
	logger   *zap.SugaredLogger
}

// NewExecutor creates an executor. registry and metrics may be nil.
func NewExecutor(store *schedule.Store, fetcher Fetcher, registry *Registry, metrics *Metrics, log *zap.SugaredLogger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logger.ComponentLogger("pulse.executor")
	}
	return &Executor{
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		metrics:  metrics,
		logger:   logger.AddPulseSymbol(log),
	}
}

// Execute claims job with a conditional scheduled→in_progress update, runs
// the retrieval and records the terminal status. Losing the claim is not an
// error: another worker owns the job and nothing is written. The returned
// error reports store failures only; tool failures end up on the job.
func (e *Executor) Execute(ctx context.Context, job *schedule.Job) (err error) {
	ctx = logger.WithJobID(ctx, job.TaskID)
	log := logger.FromContext(ctx, e.logger)

	claimErr := e.store.TransitionStatus(ctx, job.TaskID, schedule.StatusScheduled, schedule.StatusInProgress, nil, "")
	if claimErr != nil {
		if errors.Is(claimErr, schedule.ErrTransitionConflict) {
			e.metrics.TransitionConflicts.Inc()
			log.Debugw("Job already claimed elsewhere, skipping")
			return nil
		}
		return errors.Wrapf(claimErr, "failed to claim job %s", job.TaskID)
	}

	start := time.Now()
	e.registry.Set(Entry{TaskID: job.TaskID, Status: schedule.StatusInProgress})
	log.Infow("Job started", logger.FieldURL, job.SourceURL)

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Job panicked", "panic", r)
			e.metrics.JobFailures.WithLabelValues(string(ErrorCodePanic)).Inc()
			err = e.finish(ctx, job.TaskID, schedule.StatusError, nil, fmt.Sprintf("internal error: %v", r), start, log)
		}
	}()

	res := e.fetcher.Fetch(ctx, fetch.Request{
		URL:            job.SourceURL,
		OutputTemplate: job.OutputPathTemplate,
		VideoQuality:   job.VideoQuality,
		AudioQuality:   job.AudioQuality,
	})

	if res.Succeeded() {
		path := res.FilePath
		return e.finish(ctx, job.TaskID, schedule.StatusCompleted, &path, "", start, log)
	}

	failure := ClassifyFailure(res)
	e.metrics.JobFailures.WithLabelValues(string(failure.Code)).Inc()
	log.Infow("Retrieval failed",
		logger.FieldReason, res.Reason,
		"code", failure.Code,
		"retryable", failure.Retryable)
	return e.finish(ctx, job.TaskID, schedule.StatusError, nil, failure.Message, start, log)
}

// finish writes the terminal status. It detaches from ctx cancellation so a
// shutdown mid-download still leaves the job terminal.
func (e *Executor) finish(ctx context.Context, taskID string, status schedule.Status, filePath *string, diagnostics string, start time.Time, log *zap.SugaredLogger) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err := e.store.TransitionStatus(writeCtx, taskID, schedule.StatusInProgress, status, filePath, diagnostics); err != nil {
		if errors.Is(err, schedule.ErrTransitionConflict) {
			e.metrics.TransitionConflicts.Inc()
		}
		if db.IsDatabaseClosed(err) {
			// Shutdown closed the store first; the startup sweep recovers the job
			log.Warnw("Terminal status not recorded, database closed",
				logger.FieldStatus, status)
		} else {
			log.Errorw("Failed to record terminal status",
				logger.FieldStatus, status,
				logger.FieldError, err)
		}
		return errors.Wrapf(err, "failed to record %s for job %s", status, taskID)
	}

	elapsed := time.Since(start)
	e.metrics.observeFinished(status, elapsed)

	entry := Entry{TaskID: taskID, Status: status, Diagnostics: diagnostics}
	if filePath != nil {
		entry.FilePath = *filePath
	}
	e.registry.Set(entry)

	log.Infow("Job finished",
		logger.FieldStatus, status,
		logger.FieldFile, entry.FilePath,
		logger.FieldDurationMS, elapsed.Milliseconds())
	return nil
}
