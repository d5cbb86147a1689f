package pulse

import (
	"time"

	"github.com/teranos/reel/pulse/async"
	"github.com/teranos/reel/pulse/schedule"
)

// Request is a download submission. ScheduledTime is only read by
// SubmitScheduled.
type Request struct {
	SourceURL     string `json:"youtube_url"`
	OutputPath    string `json:"output_path,omitempty"`
	VideoQuality  string `json:"video_quality,omitempty"`
	AudioQuality  string `json:"audio_quality,omitempty"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
}

// Submission acknowledges an accepted request.
type Submission struct {
	TaskID string          `json:"task_id"`
	Status schedule.Status `json:"status"`
}

// JobStatus answers a status query.
type JobStatus struct {
	TaskID   string          `json:"task_id"`
	Status   schedule.Status `json:"status"`
	FilePath *string         `json:"file_path"`
	Error    string          `json:"error,omitempty"`
}

// JobView is a job as listed to clients.
type JobView struct {
	TaskID        string          `json:"task_id"`
	SourceURL     string          `json:"youtube_url"`
	OutputPath    string          `json:"output_path"`
	VideoQuality  string          `json:"video_quality"`
	AudioQuality  string          `json:"audio_quality"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Status        schedule.Status `json:"status"`
	FilePath      *string         `json:"file_path"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	TimeRemaining *float64        `json:"time_remaining,omitempty"` // minutes, listings of pending jobs only
}

// NewJobView converts a stored job.
func NewJobView(job *schedule.Job) JobView {
	return JobView{
		TaskID:        job.TaskID,
		SourceURL:     job.SourceURL,
		OutputPath:    job.OutputPathTemplate,
		VideoQuality:  job.VideoQuality,
		AudioQuality:  job.AudioQuality,
		ScheduledTime: job.ScheduledTime,
		Status:        job.Status,
		FilePath:      job.FilePath,
		Error:         job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

// Stats is a snapshot of the running service.
type Stats struct {
	Pool   async.PoolStats         `json:"pool"`
	System async.SystemMetrics     `json:"system"`
	Ticker map[string]interface{}  `json:"ticker"`
	Jobs   map[schedule.Status]int `json:"jobs"`
}
