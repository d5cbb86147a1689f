package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse/async"
	"github.com/teranos/reel/version"
)

// WebSocket timeouts, following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// The feed is one-way; clients only send control frames
	maxMessageSize = 4 * 1024

	// MaxFeedClients caps concurrent job feed connections
	MaxFeedClients = 100
)

// Feed message types
const (
	FeedMessageHello     = "hello"
	FeedMessageJobUpdate = "job_update"
)

// FeedMessage is one frame of the job feed.
type FeedMessage struct {
	Type    string       `json:"type"`
	Version string       `json:"version,omitempty"`
	Job     *async.Entry `json:"job,omitempty"`
}

// feedClient is one websocket connection streaming registry updates.
type feedClient struct {
	server      *Server
	conn        *websocket.Conn
	id          string
	updates     <-chan async.Entry
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// HandleJobFeed upgrades to a websocket and streams every job status change.
func (s *Server) HandleJobFeed(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	s.clientsMu.Lock()
	full := len(s.clients) >= MaxFeedClients
	s.clientsMu.Unlock()
	if full {
		s.logger.Warnw("Max feed clients reached, rejecting connection",
			"remote", r.RemoteAddr,
			"max_clients", MaxFeedClients)
		writeError(w, http.StatusServiceUnavailable, "too many job feed clients")
		return
	}

	upgrader := s.newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request
		s.logger.Warnw("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			logger.FieldError, err)
		return
	}

	updates, unsubscribe := s.svc.Registry().Subscribe()
	client := &feedClient{
		server:      s,
		conn:        conn,
		id:          fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
		updates:     updates,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}

	// Hello goes out before writePump starts, so writes never overlap
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(FeedMessage{Type: FeedMessageHello, Version: version.Get().Short()}); err != nil {
		s.logger.Debugw("Failed to send hello", "client_id", client.id, logger.FieldError, err)
		client.close()
		return
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Infow("Job feed client connected",
		"client_id", client.id,
		"total_clients", total)

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// readPump drains control frames until the peer goes away.
func (c *feedClient) readPump() {
	defer c.server.wg.Done()
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("Job feed read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards registry updates and keeps the connection alive.
func (c *feedClient) writePump() {
	defer c.server.wg.Done()
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			return
		case entry, ok := <-c.updates:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(FeedMessage{Type: FeedMessageJobUpdate, Job: &entry}); err != nil {
				c.server.logger.Debugw("Job feed write error", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close releases the subscription and the connection exactly once.
func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		close(c.done)
		c.conn.Close()

		c.server.clientsMu.Lock()
		delete(c.server.clients, c)
		total := len(c.server.clients)
		c.server.clientsMu.Unlock()

		c.server.logger.Infow("Job feed client disconnected",
			"client_id", c.id,
			"total_clients", total)
	})
}

// closeFeedClients disconnects every feed client.
func (s *Server) closeFeedClients() {
	s.clientsMu.Lock()
	clients := make([]*feedClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	if len(clients) > 0 {
		s.logger.Infow("Closing job feed clients", logger.FieldCount, len(clients))
	}
	for _, c := range clients {
		c.close()
	}
}
