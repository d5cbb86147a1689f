package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/teranos/reel/fetch"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse"
)

// rootMessage answers GET /.
const rootMessage = "Reel download service is running."

// ListQualitiesRequest is the body of POST /api/download/list-qualities.
type ListQualitiesRequest struct {
	Link string `json:"link"`
}

// ListQualitiesResponse lists the formats available for a link.
type ListQualitiesResponse struct {
	Count   int            `json:"count"`
	Results []fetch.Format `json:"results"`
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Count int             `json:"count"`
	Jobs  []pulse.JobView `json:"jobs"`
}

// HandleRoot answers GET /
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": rootMessage})
}

// HandleListQualities lists the formats the retrieval tool reports for a link.
func (s *Server) HandleListQualities(w http.ResponseWriter, r *http.Request) {
	var req ListQualitiesRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	req.Link = strings.TrimSpace(req.Link)
	if req.Link == "" {
		writeError(w, http.StatusBadRequest, "link is required")
		return
	}

	formats, err := s.svc.ListFormats(r.Context(), req.Link)
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to list qualities")
		return
	}
	if formats == nil {
		formats = []fetch.Format{}
	}
	writeJSON(w, http.StatusOK, ListQualitiesResponse{Count: len(formats), Results: formats})
}

// HandleDownloadVideo accepts a download to start now.
func (s *Server) HandleDownloadVideo(w http.ResponseWriter, r *http.Request) {
	var req pulse.Request
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sub, err := s.svc.SubmitImmediate(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to submit download")
		return
	}

	logger.AddPulseSymbol(s.requestLogger(r)).Infow("Download accepted",
		logger.FieldJobID, sub.TaskID,
		logger.FieldURL, req.SourceURL)
	writeJSON(w, http.StatusAccepted, sub)
}

// HandleScheduleDownload accepts a download for a future time.
func (s *Server) HandleScheduleDownload(w http.ResponseWriter, r *http.Request) {
	var req pulse.Request
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sub, err := s.svc.SubmitScheduled(r.Context(), req, time.Now().UTC())
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to schedule download")
		return
	}

	logger.AddPulseSymbol(s.requestLogger(r)).Infow("Download scheduled",
		logger.FieldJobID, sub.TaskID,
		logger.FieldURL, req.SourceURL,
		logger.FieldScheduledTime, req.ScheduledTime)
	writeJSON(w, http.StatusCreated, sub)
}

// HandleStatus reports one job's status.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	st, err := s.svc.Status(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to get job status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleScheduledDownloads lists pending jobs with minutes remaining.
func (s *Server) HandleScheduledDownloads(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListScheduled(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to list scheduled downloads")
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Count: len(jobs), Jobs: jobs})
}

// HandlePastDownloads lists finished jobs.
func (s *Server) HandlePastDownloads(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListHistory(r.Context())
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to list past downloads")
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Count: len(jobs), Jobs: jobs})
}

// HandleCancelDownload deletes a job that has not started.
func (s *Server) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	if err := s.svc.Cancel(r.Context(), taskID); err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to cancel download")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"message": "Scheduled download cancelled",
	})
}

// HandleStats returns pool, ticker and job counts.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, s.requestLogger(r), err, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
