package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/reel/errors"
)

// timeLayout is fixed-width UTC so lexical order in SQLite equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

const jobColumns = `task_id, source_url, output_path_template, video_quality, audio_quality,
		       scheduled_time, status, file_path, error_message, created_at, updated_at`

// Store handles persistence of download jobs
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Add inserts a new job. The job's CreatedAt and UpdatedAt are set here.
func (s *Store) Add(ctx context.Context, job *Job) error {
	if job.TaskID == "" {
		return errors.NewInvalidRequestError("task_id is required")
	}
	if job.Status == "" {
		job.Status = StatusScheduled
	}
	if !job.Status.Valid() {
		return errors.NewInvalidRequestError("unknown status %q", job.Status)
	}
	if (job.Status == StatusCompleted) != (job.FilePath != nil) {
		return errors.NewInvalidRequestError("file_path must be set iff status is completed")
	}

	now := s.now().UTC()
	job.ScheduledTime = job.ScheduledTime.UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (
			task_id, source_url, output_path_template, video_quality, audio_quality,
			scheduled_time, status, file_path, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.TaskID,
		job.SourceURL,
		job.OutputPathTemplate,
		job.VideoQuality,
		job.AudioQuality,
		formatTime(job.ScheduledTime),
		string(job.Status),
		nullString(job.FilePath),
		nullIfEmpty(job.ErrorMessage),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateTaskID, "task %s", job.TaskID)
		}
		return errors.Wrapf(err, "failed to insert job %s", job.TaskID)
	}
	return nil
}

// Get retrieves a job by task id
func (s *Store) Get(ctx context.Context, taskID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE task_id = ?`, taskID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s", taskID)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", taskID)
	}
	return job, nil
}

// UpdateStatus writes status unconditionally. It is a no-op when the task is
// absent. file_path is kept only for completed; diagnostics only for error.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status Status, filePath *string, diagnostics string) error {
	if err := checkTerminalFields(status, filePath); err != nil {
		return err
	}
	filePath, diagnostics = normalizeFields(status, filePath, diagnostics)

	_, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = ?, file_path = ?, error_message = ?, updated_at = ?
		WHERE task_id = ?`,
		string(status), nullString(filePath), nullIfEmpty(diagnostics), formatTime(s.now()), taskID)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of job %s", taskID)
	}
	return nil
}

// TransitionStatus moves a job from one status to the next only if it is
// still in from. Zero affected rows yields ErrTransitionConflict: another
// worker won, the job was deleted, or it never existed.
func (s *Store) TransitionStatus(ctx context.Context, taskID string, from, to Status, filePath *string, diagnostics string) error {
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	if err := checkTerminalFields(to, filePath); err != nil {
		return err
	}
	filePath, diagnostics = normalizeFields(to, filePath, diagnostics)

	res, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = ?, file_path = ?, error_message = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(to), nullString(filePath), nullIfEmpty(diagnostics), formatTime(s.now()), taskID, string(from))
	if err != nil {
		return errors.Wrapf(err, "failed to transition job %s", taskID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrTransitionConflict, "job %s is no longer %s", taskID, from)
	}
	return nil
}

// ListDue returns scheduled jobs whose scheduled_time is at or before now.
// Callers must not rely on the order.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC`,
		string(StatusScheduled), formatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due jobs")
	}
	return collectJobs(rows)
}

// List returns all jobs, or only those with the given status.
func (s *Store) List(ctx context.Context, status *Status) ([]*Job, error) {
	if status != nil {
		return s.ListByStatuses(ctx, []Status{*status})
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM download_jobs ORDER BY scheduled_time ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	return collectJobs(rows)
}

// ListByStatuses returns jobs whose status is any of statuses.
func (s *Store) ListByStatuses(ctx context.Context, statuses []Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status IN (`+placeholders+`)
		ORDER BY scheduled_time ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs by status")
	}
	return collectJobs(rows)
}

// NextScheduled returns the earliest scheduled job, or nil when none exist.
func (s *Store) NextScheduled(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = ?
		ORDER BY scheduled_time ASC
		LIMIT 1`, string(StatusScheduled))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return job, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM download_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan count")
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// Delete removes a job regardless of status and reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE task_id = ?`, taskID)
	return affected(res, err, taskID)
}

// DeleteScheduled removes a job only while it is still scheduled, so a
// download a worker already claimed cannot be orphaned.
func (s *Store) DeleteScheduled(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE task_id = ? AND status = ?`,
		taskID, string(StatusScheduled))
	return affected(res, err, taskID)
}

// RecoverInterrupted applies policy to jobs a previous process left
// in_progress. It must run before any worker starts.
func (s *Store) RecoverInterrupted(ctx context.Context, policy RecoveryPolicy) (int, error) {
	var res sql.Result
	var err error

	now := formatTime(s.now())
	switch policy {
	case RecoverOff, "":
		return 0, nil
	case RecoverMarkError:
		res, err = s.db.ExecContext(ctx, `
			UPDATE download_jobs
			SET status = ?, file_path = NULL, error_message = ?, updated_at = ?
			WHERE status = ?`,
			string(StatusError), InterruptedDiagnostic, now, string(StatusInProgress))
	case RecoverRequeue:
		res, err = s.db.ExecContext(ctx, `
			UPDATE download_jobs
			SET status = ?, file_path = NULL, error_message = NULL, updated_at = ?
			WHERE status = ?`,
			string(StatusScheduled), now, string(StatusInProgress))
	default:
		return 0, errors.NewInvalidRequestError("unknown recovery policy %q", policy)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover interrupted jobs")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, scheduledTime, createdAt, updatedAt string
	var filePath, errorMessage sql.NullString

	if err := row.Scan(
		&job.TaskID,
		&job.SourceURL,
		&job.OutputPathTemplate,
		&job.VideoQuality,
		&job.AudioQuality,
		&scheduledTime,
		&status,
		&filePath,
		&errorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if filePath.Valid {
		job.FilePath = &filePath.String
	}
	job.ErrorMessage = errorMessage.String

	// Parse failures indicate data corruption or schema mismatch
	var err error
	if job.ScheduledTime, err = parseTime(scheduledTime); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_time for job %s", job.TaskID)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.TaskID)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.TaskID)
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func affected(res sql.Result, err error, taskID string) (bool, error) {
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

func checkTerminalFields(status Status, filePath *string) error {
	if !status.Valid() {
		return errors.NewInvalidRequestError("unknown status %q", status)
	}
	if status == StatusCompleted && (filePath == nil || *filePath == "") {
		return errors.NewInvalidRequestError("completed status requires a file path")
	}
	return nil
}

// normalizeFields enforces file_path iff completed and diagnostics only on error.
func normalizeFields(status Status, filePath *string, diagnostics string) (*string, string) {
	if status != StatusCompleted {
		filePath = nil
	}
	if status != StatusError {
		diagnostics = ""
	}
	return filePath, diagnostics
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
