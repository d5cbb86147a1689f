// Package server exposes the download service over HTTP: JSON endpoints for
// submitting, listing and cancelling jobs, a websocket feed of status
// changes, and the service's prometheus metrics.
package server

import (
	"context"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse"
)

// Server serves the HTTP API for one pulse.Service.
type Server struct {
	svc    *pulse.Service
	cfg    *am.Config
	logger *zap.SugaredLogger
	mux    *http.ServeMux

	// Swappable for tests
	lookPath  func(file string) (string, error)
	diskUsage func(path string) (*disk.UsageStat, error)

	httpServer *http.Server
	httpMu     sync.Mutex

	// Job feed clients
	clients   map[*feedClient]struct{}
	clientsMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates a server for svc and registers its routes.
func New(svc *pulse.Service, cfg *am.Config, log *zap.SugaredLogger) *Server {
	if cfg == nil {
		cfg = am.Defaults()
	}
	if log == nil {
		log = logger.ComponentLogger("server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		logger:    log,
		mux:       http.NewServeMux(),
		lookPath:  exec.LookPath,
		diskUsage: disk.Usage,
		clients:   make(map[*feedClient]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.state.Store(int32(ServerStateRunning))
	s.setupHTTPRoutes()
	return s
}

// Handler returns the server's routes. Preflight requests are answered for
// any path before routing.
func (s *Server) Handler() http.Handler {
	preflight := s.corsMiddleware(func(http.ResponseWriter, *http.Request) {})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			preflight(w, r)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}
