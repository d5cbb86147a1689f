// Package schedule persists download jobs and promotes due ones to the
// worker pool on a fixed pulse.
package schedule

import (
	"time"

	"github.com/teranos/reel/errors"
)

// Status is the lifecycle position of a download job.
type Status string

// Job statuses. Progression is strictly scheduled -> in_progress -> completed|error.
const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusScheduled, StatusInProgress, StatusCompleted, StatusError}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) String() string { return string(s) }

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.NewInvalidRequestError("unknown status %q", s)
	}
	return st, nil
}

// CanTransition reports whether moving from -> to follows the lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusError
	}
	return false
}

// Job is a persisted request to fetch one media item.
type Job struct {
	TaskID             string
	SourceURL          string
	OutputPathTemplate string
	VideoQuality       string
	AudioQuality       string
	ScheduledTime      time.Time // UTC
	Status             Status
	FilePath           *string // set iff Status == StatusCompleted
	ErrorMessage       string  // captured diagnostics when Status == StatusError
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDue reports whether the scheduler should pick the job up at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == StatusScheduled && !j.ScheduledTime.After(now)
}

// TimeRemaining returns minutes until the job becomes due, never negative.
func (j *Job) TimeRemaining(now time.Time) float64 {
	d := j.ScheduledTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

// Short returns the first 8 characters of the task id for log display.
func (j *Job) Short() string {
	if len(j.TaskID) > 8 {
		return j.TaskID[:8]
	}
	return j.TaskID
}

// Store errors. Each wraps errors.ErrConflict.
var (
	ErrDuplicateTaskID    = errors.Wrap(errors.ErrConflict, "duplicate task id")
	ErrTransitionConflict = errors.Wrap(errors.ErrConflict, "status changed concurrently")
	ErrInvalidTransition  = errors.Wrap(errors.ErrConflict, "transition not allowed")
)

// RecoveryPolicy decides what happens to jobs left in_progress by a previous process.
type RecoveryPolicy string

const (
	RecoverMarkError RecoveryPolicy = "error"
	RecoverRequeue   RecoveryPolicy = "requeue"
	RecoverOff       RecoveryPolicy = "off"
)

// InterruptedDiagnostic is recorded on jobs the recovery sweep marks as error.
const InterruptedDiagnostic = "interrupted by restart"
