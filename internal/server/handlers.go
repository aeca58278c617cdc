// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type healthStatus struct {
	Status      string           `json:"status"`
	Connections int              `json:"connections"`
	Online      int              `json:"online"`
	Process     *processStats    `json:"process,omitempty"`
	Metrics     map[string]int64 `json:"metrics,omitempty"`
}

// WebSocketHandler upgrades GET requests to a websocket and hands the
// connection to the hub, which starts the client's pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay server is running!")
}

// StatusHandler reports connection and presence counts, relay counters, and
// process usage when it can be sampled, as JSON.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:      "ok",
		Connections: s.hub.ClientCount(),
		Online:      s.registry.OnlineCount(),
	}
	if stats, err := readProcessStats(); err != nil {
		s.log.Debug("Process stats unavailable", "err", err)
	} else {
		status.Process = &stats
	}
	if totals, err := s.Metrics(r.Context()); err != nil {
		s.log.Debug("Relay metrics unavailable", "err", err)
	} else {
		status.Metrics = totals
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("Error writing status response", "err", err)
	}
}
