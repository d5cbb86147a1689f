package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/reel/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("GET /{$}", s.corsMiddleware(s.HandleRoot))
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))

	s.mux.HandleFunc("POST /api/download/list-qualities", s.corsMiddleware(s.HandleListQualities))
	s.mux.HandleFunc("POST /api/download/download-video", s.corsMiddleware(s.HandleDownloadVideo))
	s.mux.HandleFunc("POST /api/download/schedule-download", s.corsMiddleware(s.HandleScheduleDownload))
	s.mux.HandleFunc("GET /api/download/status/{task_id}", s.corsMiddleware(s.HandleStatus))
	s.mux.HandleFunc("GET /api/download/scheduled-downloads", s.corsMiddleware(s.HandleScheduledDownloads))
	s.mux.HandleFunc("DELETE /api/download/scheduled-downloads/{task_id}", s.corsMiddleware(s.HandleCancelDownload))
	s.mux.HandleFunc("GET /api/download/past-downloads", s.corsMiddleware(s.HandlePastDownloads))
	s.mux.HandleFunc("GET /api/stats", s.corsMiddleware(s.HandleStats))

	s.mux.HandleFunc("GET /ws/jobs", s.HandleJobFeed) // Status changes as they happen
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.svc.Gatherer(), promhttp.HandlerOpts{
		ErrorLog: zapErrorLog{s.logger},
	}))
}

// corsMiddleware adds CORS headers for allowed origins, answers preflight
// requests, tags each request with an id and logs it at debug level.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		s.requestLogger(r).Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			"remote", r.RemoteAddr)
		next(w, r)
	}
}

// requestLogger returns the server logger carrying r's request id.
func (s *Server) requestLogger(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

// zapErrorLog adapts the server logger to promhttp's error log.
type zapErrorLog struct {
	log interface{ Errorw(string, ...interface{}) }
}

func (l zapErrorLog) Println(v ...interface{}) {
	l.log.Errorw("Metrics handler error", "detail", v)
}
