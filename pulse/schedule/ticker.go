package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reel/db"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/sym"
)

// Dispatcher hands a due job to an execution worker without blocking.
// A returned error leaves the job scheduled; the next tick tries again.
type Dispatcher interface {
	Submit(job *Job) error
}

// ErrAlreadyDispatched is returned by a Dispatcher for a job it already
// holds. The ticker neither counts nor logs it.
var ErrAlreadyDispatched = errors.New("job already dispatched")

// TickResult summarizes one pass over the due jobs.
type TickResult struct {
	Due        int
	Dispatched int
	Deferred   int
}

// Ticker periodically promotes due jobs to the dispatcher
type Ticker struct {
	store      *Store
	dispatcher Dispatcher
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	resetCh    chan time.Duration
	now        func() time.Time

	mu              sync.Mutex
	running         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // last (scheduled + in_progress) count, to log only on change
	lastResult      TickResult
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due jobs
}

// DefaultTickerConfig returns the observed 30 second pulse
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 30 * time.Second,
	}
}

// NewTicker creates a new Pulse ticker
func NewTicker(store *Store, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg = DefaultTickerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Ticker{
		store:          store,
		dispatcher:     dispatcher,
		interval:       cfg.Interval,
		ctx:            ctx,
		cancel:         cancel,
		logger:         log,
		pulseLog:       logger.AddPulseSymbol(log),
		resetCh:        make(chan time.Duration, 1),
		now:            time.Now,
		lastActiveWork: -1,
	}
}

// Start begins the ticker loop. A stopped ticker can be started again.
func (t *Ticker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}

	// Recreate the context after a previous Stop
	select {
	case <-t.ctx.Done():
		t.ctx, t.cancel = context.WithCancel(context.Background())
	default:
	}
	// The loop starts from t.interval, so a pending reset is stale
	select {
	case <-t.resetCh:
	default:
	}

	t.running = true
	ctx := t.ctx
	interval := t.interval
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx, interval)
	t.pulseLog.Infow("Pulse ticker started", logger.FieldInterval, interval)
}

// Stop gracefully stops the ticker. A tick in progress finishes its
// current dispatch before the loop exits.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()

	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()

	if wasRunning {
		t.pulseLog.Infow("Pulse ticker stopped")
	}
}

// SetInterval changes the tick interval, taking effect on the running loop.
func (t *Ticker) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	t.mu.Lock()
	if t.interval == d {
		t.mu.Unlock()
		return
	}
	t.interval = d
	running := t.running
	t.mu.Unlock()

	if running {
		// Replace any pending reset with the latest value
		select {
		case <-t.resetCh:
		default:
		}
		t.resetCh <- d
	}
	t.pulseLog.Infow("Pulse ticker interval changed", logger.FieldInterval, d)
}

// run is the main ticker loop
func (t *Ticker) run(ctx context.Context, interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			// One snapshot of now for the whole tick
			now := t.now().UTC()

			t.mu.Lock()
			t.lastTickAt = now
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			t.logNextJobInfo(ctx, now)

			if _, err := t.Tick(ctx, now); err != nil && ctx.Err() == nil {
				if db.IsDatabaseClosed(err) {
					t.pulseLog.Debugw("Pulse tick skipped, database closed", "tick", tick)
					continue
				}
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// Tick dispatches every job due at now. One failing dispatch never stops
// the others.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var result TickResult

	jobs, err := t.store.ListDue(ctx, now)
	if err != nil {
		return result, errors.Wrap(err, "failed to list due jobs")
	}
	result.Due = len(jobs)

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if err := t.dispatcher.Submit(job); err != nil {
			if errors.Is(err, ErrAlreadyDispatched) {
				continue
			}
			result.Deferred++
			t.pulseLog.Debugw("Pulse deferred due job",
				logger.FieldJobID, job.TaskID,
				logger.FieldError, err)
			continue
		}
		result.Dispatched++
		t.pulseLog.Infow("Pulse dispatched due job",
			logger.FieldJobID, job.TaskID,
			logger.FieldScheduledTime, job.ScheduledTime.Format(time.RFC3339),
			logger.FieldURL, job.SourceURL)
	}

	t.mu.Lock()
	t.lastResult = result
	t.mu.Unlock()

	if result.Deferred > 0 {
		t.pulseLog.Warnw("Pulse dispatcher saturated, jobs left for next tick",
			"deferred", result.Deferred,
			"dispatched", result.Dispatched)
	}
	return result, nil
}

// logNextJobInfo logs time until the next scheduled job when activity changes
func (t *Ticker) logNextJobInfo(ctx context.Context, now time.Time) {
	counts, err := t.store.CountByStatus(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to count jobs", logger.FieldError, err)
		return
	}
	activeWork := counts[StatusScheduled] + counts[StatusInProgress]

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	next, err := t.store.NextScheduled(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	indicator := ""
	if running := counts[StatusInProgress]; running > 0 {
		// One glyph per five running downloads, capped
		n := running/5 + 1
		if n > 12 {
			n = 12
		}
		indicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", n)) + " "
	}

	if next == nil {
		t.pulseLog.Infow(fmt.Sprintf("%sPulse - no scheduled downloads, %d in progress",
			indicator, counts[StatusInProgress]))
		return
	}

	until := next.ScheduledTime.Sub(now)
	if until < 0 {
		until = 0
	}
	t.pulseLog.Infow(fmt.Sprintf("%sPulse - next download %s in %s, %d scheduled, %d in progress",
		indicator, next.Short(), until.Round(time.Second), counts[StatusScheduled], counts[StatusInProgress]))
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"running":           t.running,
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval.String(),
		"last_due":          t.lastResult.Due,
		"last_dispatched":   t.lastResult.Dispatched,
		"last_deferred":     t.lastResult.Deferred,
	}
}
