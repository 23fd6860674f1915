// Package mockserver is a development stand-in for the dashboard server. It
// checks bearer tokens, answers commands with plausible events and pushes
// sample traffic, so the client and CLI can be exercised without the real
// backend.
package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"go.uber.org/zap"
)

// Command is one command frame received from a client.
type Command struct {
	Name string
	Data json.RawMessage
}

// Server accepts client connections. It implements http.Handler.
type Server struct {
	config *ServerConfig
	logger *zap.Logger

	mu           sync.Mutex
	connections  map[*connection]struct{}
	received     []Command
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newServer(config *ServerConfig) *Server {
	return &Server{
		config:      config,
		logger:      config.logger,
		connections: make(map[*connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token != s.config.token {
		s.logger.Warn("Rejecting connection with bad credentials", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := newConnection(r.Context(), s, conn)

	s.mu.Lock()
	s.connections[c] = struct{}{}
	count := len(s.connections)
	s.mu.Unlock()

	s.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", count))

	c.run()

	s.mu.Lock()
	delete(s.connections, c)
	count = len(s.connections)
	s.mu.Unlock()

	s.logger.Info("Client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", count))
}

func (s *Server) record(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, cmd)
}

// Received returns every command received so far, in arrival order.
func (s *Server) Received() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.received...)
}

// ReceivedNames returns the names of the received commands.
func (s *Server) ReceivedNames() []string {
	commands := s.Received()
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	return names
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func (s *Server) snapshot() []*connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends event to every connected client.
func (s *Server) Broadcast(ctx context.Context, event fleetlink.Event) {
	for _, c := range s.snapshot() {
		c.send(ctx, event)
	}
}

// DropAll closes every connection abnormally, as a crashing server would.
// Clients are expected to reconnect.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		c.conn.CloseNow()
	}
}

// Shutdown closes every connection with a going-away status, stops
// accepting new ones and waits until all handlers returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		for _, c := range s.snapshot() {
			go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", s.ConnectionCount()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
