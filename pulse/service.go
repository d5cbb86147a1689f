// Package pulse schedules and executes media downloads.
//
// A Service owns the moving parts: the job store, a bounded worker pool, the
// poll ticker that promotes due jobs and a process-local status registry.
// Construct one per process (or per test) and drive it with Start and Stop.
package pulse

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/fetch"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse/async"
	"github.com/teranos/reel/pulse/schedule"
)

// Invoker is the retrieval side the service needs. *fetch.Invoker implements it.
type Invoker interface {
	async.Fetcher
	ListFormats(ctx context.Context, url string) ([]fetch.Format, error)
}

// Accepted layouts for scheduled_time. Layouts without an offset are read as UTC.
var scheduledTimeLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02 15:04:05.999999999Z07:00", false},
	{"2006-01-02 15:04:05.999999999", true},
	{"2006-01-02T15:04", true},
}

// Service is the scheduling and execution subsystem.
type Service struct {
	store    *schedule.Store
	invoker  Invoker
	cfg      *am.Config
	registry *async.Registry
	metrics  *async.Metrics
	pool     *async.WorkerPool
	ticker   *schedule.Ticker
	gatherer *prometheus.Registry
	logger   *zap.SugaredLogger
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	started bool
}

// NewService wires the store, invoker and configuration into a stopped
// service. ctx bounds the lifetime of the worker pool.
func NewService(ctx context.Context, store *schedule.Store, invoker Invoker, cfg *am.Config, log *zap.SugaredLogger) *Service {
	if cfg == nil {
		cfg = am.Defaults()
	}
	if log == nil {
		log = logger.ComponentLogger("pulse")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := async.NewMetrics(reg)
	registry := async.NewRegistry()

	executor := async.NewExecutor(store, invoker, registry, metrics, log.Named("executor"))
	pool := async.NewWorkerPool(ctx, executor, async.WorkerPoolConfigFromAM(cfg), metrics, log.Named("pool"))
	ticker := schedule.NewTicker(store, pool, schedule.TickerConfig{Interval: cfg.TickerInterval()}, log.Named("ticker"))

	return &Service{
		store:    store,
		invoker:  invoker,
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		pool:     pool,
		ticker:   ticker,
		gatherer: reg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Start runs the recovery sweep for jobs a previous process left
// in_progress, then starts the pool and the ticker. Overdue jobs are
// dispatched immediately instead of waiting for the first tick.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	policy := schedule.RecoveryPolicy(s.cfg.Pulse.RecoverInterrupted)
	recovered, err := s.store.RecoverInterrupted(ctx, policy)
	if err != nil {
		return errors.Wrap(err, "startup recovery sweep failed")
	}
	if recovered > 0 {
		logger.AddPulseOpenSymbol(s.logger).Warnw("Recovered jobs interrupted by a previous run",
			logger.FieldCount, recovered,
			"policy", policy)
	}

	s.pool.Start()
	s.ticker.Start()
	s.started = true

	if _, err := s.ticker.Tick(ctx, s.now()); err != nil {
		s.logger.Warnw("Initial dispatch pass failed", logger.FieldError, err)
	}
	return nil
}

// Stop halts the ticker, then the pool. Running downloads are cancelled and
// recorded as errors.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.ticker.Stop()
	s.pool.Stop()
	s.started = false
}

// SubmitImmediate persists a job due now and hands it straight to the pool.
// If the pool is saturated the ticker picks the job up on its next pass.
func (s *Service) SubmitImmediate(ctx context.Context, req Request) (*Submission, error) {
	job, err := s.newJob(req, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.add(ctx, job); err != nil {
		return nil, err
	}

	s.registry.Set(async.Entry{TaskID: job.TaskID, Status: schedule.StatusInProgress})

	if err := s.pool.Submit(job); err != nil && !errors.Is(err, schedule.ErrAlreadyDispatched) {
		s.logger.Infow("Immediate job deferred to ticker",
			logger.FieldJobID, job.TaskID,
			logger.FieldReason, err.Error())
	}

	return &Submission{TaskID: job.TaskID, Status: schedule.StatusInProgress}, nil
}

// SubmitScheduled validates req.ScheduledTime against now and persists the
// job. Validation failures never reach the store.
func (s *Service) SubmitScheduled(ctx context.Context, req Request, now time.Time) (*Submission, error) {
	at, err := ParseScheduledTime(req.ScheduledTime)
	if err != nil {
		return nil, err
	}
	if !at.After(now) {
		return nil, errors.WithHintf(
			errors.NewInvalidRequestError("scheduled_time %s is not in the future", at.Format(time.RFC3339)),
			"current time is %s", now.UTC().Format(time.RFC3339))
	}

	job, err := s.newJob(req, at)
	if err != nil {
		return nil, err
	}
	if err := s.add(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Infow("Job scheduled",
		logger.FieldJobID, job.TaskID,
		logger.FieldScheduledTime, at.Format(time.RFC3339))
	return &Submission{TaskID: job.TaskID, Status: schedule.StatusScheduled}, nil
}

// Status reports the latest known state of taskID. Terminal registry
// entries answer without touching the store.
func (s *Service) Status(ctx context.Context, taskID string) (*JobStatus, error) {
	entry, cached := s.registry.Get(taskID)
	if cached && entry.Status.IsTerminal() {
		st := &JobStatus{TaskID: taskID, Status: entry.Status, Error: entry.Diagnostics}
		if entry.FilePath != "" {
			path := entry.FilePath
			st.FilePath = &path
		}
		return st, nil
	}

	job, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{TaskID: job.TaskID, Status: job.Status, FilePath: job.FilePath, Error: job.ErrorMessage}
	// Accepted for immediate execution but not yet claimed by a worker
	if cached && entry.Status == schedule.StatusInProgress && job.Status == schedule.StatusScheduled {
		st.Status = schedule.StatusInProgress
	}
	return st, nil
}

// ListScheduled returns pending jobs with minutes remaining until due.
func (s *Service) ListScheduled(ctx context.Context, now time.Time) ([]JobView, error) {
	jobs, err := s.store.ListByStatuses(ctx, []schedule.Status{schedule.StatusScheduled, schedule.StatusInProgress})
	if err != nil {
		return nil, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		v := NewJobView(job)
		remaining := job.TimeRemaining(now)
		v.TimeRemaining = &remaining
		views = append(views, v)
	}
	return views, nil
}

// ListHistory returns completed and failed jobs.
func (s *Service) ListHistory(ctx context.Context) ([]JobView, error) {
	jobs, err := s.store.ListByStatuses(ctx, []schedule.Status{schedule.StatusCompleted, schedule.StatusError})
	if err != nil {
		return nil, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, NewJobView(job))
	}
	return views, nil
}

// Cancel deletes a job that has not started. Unknown ids are not found;
// jobs past scheduled, in the store or as reported by Status, are a
// conflict.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	job, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if job.Status != schedule.StatusScheduled {
		return errors.NewConflictError("job %s is %s and can no longer be cancelled", taskID, job.Status)
	}
	// Immediate jobs are reported in_progress before a worker claims the row
	if entry, ok := s.registry.Get(taskID); ok && entry.Status != schedule.StatusScheduled {
		return errors.NewConflictError("job %s is %s and can no longer be cancelled", taskID, entry.Status)
	}

	deleted, err := s.store.DeleteScheduled(ctx, taskID)
	if err != nil {
		return err
	}
	if !deleted {
		// Claimed by a worker between the read and the delete
		return errors.NewConflictError("job %s started before it could be cancelled", taskID)
	}

	s.registry.Delete(taskID)
	s.logger.Infow("Job cancelled", logger.FieldJobID, taskID)
	return nil
}

// ListFormats lists the formats available for url.
func (s *Service) ListFormats(ctx context.Context, url string) ([]fetch.Format, error) {
	return s.invoker.ListFormats(ctx, url)
}

// SetTickerInterval applies a new poll interval to the running ticker.
func (s *Service) SetTickerInterval(d time.Duration) {
	s.ticker.SetInterval(d)
}

// Registry exposes status updates for live feeds.
func (s *Service) Registry() *async.Registry {
	return s.registry
}

// Gatherer exposes the service's metrics registry.
func (s *Service) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// Stats returns a snapshot of pool, ticker and job counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pool:   s.pool.Stats(),
		System: s.pool.GetSystemMetrics(),
		Ticker: s.ticker.GetStats(),
		Jobs:   counts,
	}, nil
}

// ParseScheduledTime parses an ISO-8601 timestamp with any offset and
// normalizes it to UTC. Timestamps without an offset are taken as UTC.
func ParseScheduledTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.NewInvalidRequestError("scheduled_time is required")
	}

	for _, l := range scheduledTimeLayouts {
		var t time.Time
		var err error
		if l.naive {
			t, err = time.ParseInLocation(l.layout, value, time.UTC)
		} else {
			t, err = time.Parse(l.layout, value)
		}
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, errors.WithHint(
		errors.NewInvalidRequestError("scheduled_time %q is not an ISO-8601 timestamp", value),
		"use RFC3339, e.g. 2030-01-02T15:04:05Z or 2030-01-02T17:04:05+02:00")
}

func (s *Service) newJob(req Request, at time.Time) (*schedule.Job, error) {
	url := strings.TrimSpace(req.SourceURL)
	if url == "" {
		return nil, errors.NewInvalidRequestError("youtube_url is required")
	}

	job := &schedule.Job{
		TaskID:             s.newID(),
		SourceURL:          url,
		OutputPathTemplate: strings.TrimSpace(req.OutputPath),
		VideoQuality:       strings.TrimSpace(req.VideoQuality),
		AudioQuality:       strings.TrimSpace(req.AudioQuality),
		ScheduledTime:      at.UTC(),
		Status:             schedule.StatusScheduled,
	}
	if job.OutputPathTemplate == "" {
		job.OutputPathTemplate = s.cfg.DefaultOutputTemplate()
	}
	if job.VideoQuality == "" {
		job.VideoQuality = fetch.DefaultVideoQuality
	}
	if job.AudioQuality == "" {
		job.AudioQuality = fetch.DefaultAudioQuality
	}
	return job, nil
}

// add persists job. A duplicate id means the generator is broken.
func (s *Service) add(ctx context.Context, job *schedule.Job) error {
	if err := s.store.Add(ctx, job); err != nil {
		if errors.Is(err, schedule.ErrDuplicateTaskID) {
			s.logger.Errorw("Duplicate task id generated", logger.FieldJobID, job.TaskID, logger.FieldError, err)
			return errors.AssertionFailedf("duplicate task id %s", job.TaskID)
		}
		return err
	}
	return nil
}
