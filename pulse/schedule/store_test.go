package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/internal/util"
)

func newJob(id string, at time.Time) *Job {
	return &Job{
		TaskID:             id,
		SourceURL:          "https://example.com/watch?v=" + id,
		OutputPathTemplate: "downloads/%(title)s.%(ext)s",
		VideoQuality:       "bestvideo",
		AudioQuality:       "bestaudio",
		ScheduledTime:      at,
		Status:             StatusScheduled,
	}
}

func TestStore_AddAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))

	at := time.Date(2030, 1, 2, 15, 4, 5, 0, time.FixedZone("CET", 3600))
	require.NoError(t, store.Add(ctx, newJob("t1", at)))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Nil(t, got.FilePath)
	assert.Equal(t, time.UTC, got.ScheduledTime.Location())
	assert.True(t, got.ScheduledTime.Equal(at), "instant preserved across UTC normalization")
	assert.Equal(t, 14, got.ScheduledTime.Hour())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_AddDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))

	require.NoError(t, store.Add(ctx, newJob("dup", time.Now())))
	err := store.Add(ctx, newJob("dup", time.Now()))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTaskID))
	assert.True(t, errors.IsConflictError(err))
}

func TestStore_AddRejectsFilePathWithoutCompleted(t *testing.T) {
	job := newJob("bad", time.Now())
	job.FilePath = util.Ptr("x.mp4")

	err := NewStore(createTestDB(t)).Add(context.Background(), job)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStore_GetNotFound(t *testing.T) {
	_, err := NewStore(createTestDB(t)).Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ListDue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Add(ctx, newJob("past", now.Add(-time.Hour))))
	require.NoError(t, store.Add(ctx, newJob("exact", now)))
	// Sub-second before now; fixed-width timestamps keep this ordered correctly
	require.NoError(t, store.Add(ctx, newJob("frac", now.Add(-500*time.Millisecond))))
	require.NoError(t, store.Add(ctx, newJob("future", now.Add(time.Nanosecond))))

	running := newJob("running", now.Add(-time.Hour))
	require.NoError(t, store.Add(ctx, running))
	require.NoError(t, store.TransitionStatus(ctx, "running", StatusScheduled, StatusInProgress, nil, ""))

	due, err := store.ListDue(ctx, now)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, j := range due {
		ids[j.TaskID] = true
		assert.True(t, j.IsDue(now))
	}
	assert.Equal(t, map[string]bool{"past": true, "exact": true, "frac": true}, ids)
}

func TestStore_TransitionStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	require.NoError(t, store.Add(ctx, newJob("t1", time.Now())))

	require.NoError(t, store.TransitionStatus(ctx, "t1", StatusScheduled, StatusInProgress, nil, ""))

	// Second claim loses
	err := store.TransitionStatus(ctx, "t1", StatusScheduled, StatusInProgress, nil, "")
	assert.True(t, errors.Is(err, ErrTransitionConflict))

	// Backward and skipping transitions are refused before touching the store
	err = store.TransitionStatus(ctx, "t1", StatusInProgress, StatusScheduled, nil, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = store.TransitionStatus(ctx, "t1", StatusScheduled, StatusCompleted, util.Ptr("x"), "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	// Completed needs a path
	err = store.TransitionStatus(ctx, "t1", StatusInProgress, StatusCompleted, nil, "")
	assert.True(t, errors.IsInvalidRequestError(err))

	require.NoError(t, store.TransitionStatus(ctx, "t1", StatusInProgress, StatusCompleted, util.Ptr("/d/movie.mp4"), "ignored"))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FilePath)
	assert.Equal(t, "/d/movie.mp4", *got.FilePath)
	assert.Empty(t, got.ErrorMessage, "diagnostics only stored for error")
}

func TestStore_TransitionToErrorKeepsDiagnostics(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	require.NoError(t, store.Add(ctx, newJob("t1", time.Now())))
	require.NoError(t, store.TransitionStatus(ctx, "t1", StatusScheduled, StatusInProgress, nil, ""))

	require.NoError(t, store.TransitionStatus(ctx, "t1", StatusInProgress, StatusError, util.Ptr("/ignored"), "ERROR: Unsupported URL"))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Nil(t, got.FilePath, "file_path only for completed")
	assert.Equal(t, "ERROR: Unsupported URL", got.ErrorMessage)
}

func TestStore_ConcurrentClaimExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	require.NoError(t, store.Add(ctx, newJob("race", time.Now())))

	const contenders = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.TransitionStatus(ctx, "race", StatusScheduled, StatusInProgress, nil, "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrTransitionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, contenders-1, conflicts.Load())
}

func TestStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	require.NoError(t, store.Add(ctx, newJob("t1", time.Now())))

	// Absent task is a silent no-op
	require.NoError(t, store.UpdateStatus(ctx, "nope", StatusError, nil, "x"))

	require.NoError(t, store.UpdateStatus(ctx, "t1", StatusCompleted, util.Ptr("/a.mp4"), ""))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.FilePath)

	// Moving off completed clears the path so the iff invariant holds
	require.NoError(t, store.UpdateStatus(ctx, "t1", StatusError, util.Ptr("/a.mp4"), "boom"))
	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.FilePath)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.True(t, !got.UpdatedAt.Before(got.CreatedAt))
}

func TestStore_ListAndCounts(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Add(ctx, newJob(id, now)))
	}
	require.NoError(t, store.TransitionStatus(ctx, "b", StatusScheduled, StatusInProgress, nil, ""))
	require.NoError(t, store.TransitionStatus(ctx, "c", StatusScheduled, StatusInProgress, nil, ""))
	require.NoError(t, store.TransitionStatus(ctx, "c", StatusInProgress, StatusError, nil, "bad"))

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	st := StatusScheduled
	scheduled, err := store.List(ctx, &st)
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)

	history, err := store.ListByStatuses(ctx, []Status{StatusCompleted, StatusError})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c", history[0].TaskID)

	empty, err := store.ListByStatuses(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusScheduled: 2, StatusInProgress: 1, StatusCompleted: 0, StatusError: 1}, counts)

	next, err := store.NextScheduled(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, StatusScheduled, next.Status)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(createTestDB(t))
	require.NoError(t, store.Add(ctx, newJob("s", time.Now())))
	require.NoError(t, store.Add(ctx, newJob("r", time.Now())))
	require.NoError(t, store.TransitionStatus(ctx, "r", StatusScheduled, StatusInProgress, nil, ""))

	deleted, err := store.DeleteScheduled(ctx, "r")
	require.NoError(t, err)
	assert.False(t, deleted, "running job survives conditional delete")

	deleted, err = store.DeleteScheduled(ctx, "s")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = store.Get(ctx, "s")
	assert.True(t, errors.IsNotFoundError(err))

	deleted, err = store.Delete(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.Delete(ctx, "r")
	require.NoError(t, err)
	assert.True(t, deleted, "unconditional delete is the caller's policy")
}

func TestStore_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *Store {
		store := NewStore(createTestDB(t))
		require.NoError(t, store.Add(ctx, newJob("stuck", time.Now())))
		require.NoError(t, store.Add(ctx, newJob("waiting", time.Now())))
		require.NoError(t, store.TransitionStatus(ctx, "stuck", StatusScheduled, StatusInProgress, nil, ""))
		return store
	}

	t.Run("mark error", func(t *testing.T) {
		store := setup(t)
		n, err := store.RecoverInterrupted(ctx, RecoverMarkError)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Get(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, StatusError, got.Status)
		assert.Equal(t, InterruptedDiagnostic, got.ErrorMessage)
	})

	t.Run("requeue", func(t *testing.T) {
		store := setup(t)
		n, err := store.RecoverInterrupted(ctx, RecoverRequeue)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Get(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, got.Status)
	})

	t.Run("off", func(t *testing.T) {
		store := setup(t)
		n, err := store.RecoverInterrupted(ctx, RecoverOff)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := setup(t).RecoverInterrupted(ctx, "retry")
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

// Minimal sqlmock tests to pin the SQL shape of the conditional update

func TestTransitionStatus_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	mock.ExpectExec(`UPDATE download_jobs\s+SET status = \?, file_path = \?, error_message = \?, updated_at = \?\s+WHERE task_id = \? AND status = \?`).
		WithArgs("in_progress", nil, nil, "2030-01-01T00:00:00.000000000Z", "t1", "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE download_jobs`).
		WithArgs("in_progress", nil, nil, sqlmock.AnyArg(), "t1", "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.TransitionStatus(context.Background(), "t1", StatusScheduled, StatusInProgress, nil, ""))

	err = store.TransitionStatus(context.Background(), "t1", StatusScheduled, StatusInProgress, nil, "")
	assert.True(t, errors.Is(err, ErrTransitionConflict))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDue_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"task_id", "source_url", "output_path_template", "video_quality",
		"audio_quality", "scheduled_time", "status", "file_path", "error_message", "created_at", "updated_at"}).
		AddRow("t1", "u", "o", "v", "a", "2030-01-01T11:00:00.000000000Z", "scheduled", nil, nil,
			"2030-01-01T10:00:00.000000000Z", "2030-01-01T10:00:00.000000000Z")

	mock.ExpectQuery(`WHERE status = \? AND scheduled_time <= \?`).
		WithArgs("scheduled", "2030-01-01T12:00:00.000000000Z").
		WillReturnRows(rows)

	jobs, err := NewStore(db).ListDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 11, jobs[0].ScheduledTime.Hour())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, CanTransition(StatusScheduled, StatusInProgress))
	assert.True(t, CanTransition(StatusInProgress, StatusError))
	assert.False(t, CanTransition(StatusCompleted, StatusError))
	assert.False(t, CanTransition(StatusInProgress, StatusScheduled))
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())

	_, err := ParseStatus("paused")
	assert.True(t, errors.IsInvalidRequestError(err))

	job := newJob("x", time.Date(2030, 1, 1, 0, 10, 0, 0, time.UTC))
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 10.0, job.TimeRemaining(now), 1e-9)
	assert.Zero(t, job.TimeRemaining(now.Add(time.Hour)))
}
