package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// newUpgrader creates a WebSocket upgrader with origin checking from config
func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates an Origin header against the configured allowed
// origins. Any port on an allowed host is accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Direct clients (curl, tests) send no origin
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if originMatches(origin, allowed) {
			return true
		}
	}
	return false
}

// originMatches reports whether origin is allowed itself or allowed with a port.
func originMatches(origin, allowed string) bool {
	if !strings.HasPrefix(origin, allowed) {
		return false
	}
	rest := origin[len(allowed):]
	return rest == "" || rest[0] == ':' || rest[0] == '/'
}
