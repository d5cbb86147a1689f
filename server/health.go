package server

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse/async"
	"github.com/teranos/reel/version"
)

// HealthResponse answers GET /health. Status is "ok" or "degraded"; the
// endpoint itself always answers 200 while the process serves requests.
type HealthResponse struct {
	Status        string          `json:"status"`
	State         string          `json:"state"`
	Version       string          `json:"version"`
	Commit        string          `json:"commit"`
	DownloadDir   string          `json:"download_dir"`
	DiskFreeMB    uint64          `json:"disk_free_mb"`
	LowDisk       bool            `json:"low_disk"`
	Tool          string          `json:"tool"`
	ToolAvailable bool            `json:"tool_available"`
	Workers       async.PoolStats `json:"workers"`
	FeedClients   int             `json:"feed_clients"`
}

// HandleHealth reports disk headroom, tool availability and pool state.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := HealthResponse{
		Status:      "ok",
		State:       stateString(s.getState()),
		Version:     info.Version,
		Commit:      info.Short(),
		DownloadDir: s.cfg.Fetch.DownloadDir,
		Tool:        s.cfg.Fetch.Binary,
	}

	if free, err := s.freeDiskMB(s.cfg.Fetch.DownloadDir); err != nil {
		s.logger.Warnw("Disk usage check failed",
			logger.FieldPath, s.cfg.Fetch.DownloadDir,
			logger.FieldError, err)
		health.Status = "degraded"
	} else {
		health.DiskFreeMB = free
		health.LowDisk = free < uint64(s.cfg.Fetch.MinFreeDiskMB)
	}

	if _, err := s.lookPath(s.cfg.Fetch.Binary); err == nil {
		health.ToolAvailable = true
	}

	if stats, err := s.svc.Stats(r.Context()); err == nil {
		health.Workers = stats.Pool
	}

	s.clientsMu.Lock()
	health.FeedClients = len(s.clients)
	s.clientsMu.Unlock()

	if health.LowDisk || !health.ToolAvailable {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

// freeDiskMB reports free space on the filesystem holding dir. A download
// directory that does not exist yet is measured at its nearest existing parent.
func (s *Server) freeDiskMB(dir string) (uint64, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	usage, err := s.diskUsage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free / (1 << 20), nil
}
