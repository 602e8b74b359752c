// Package server exposes the pixelsett HTTP surface: health, metrics and the
// realtime WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves /healthz, /metrics and /ws.
type Server struct {
	redis  Pinger
	db     Pinger
	ws     http.Handler
	server *http.Server
}

// New creates a server. ws may be nil, in which case /ws is not mounted.
func New(addr string, redis, db Pinger, ws http.Handler) *Server {
	s := &Server{redis: redis, db: db, ws: ws}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if ws != nil {
		mux.Handle("/ws", ws)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	log.Printf("[Server] Listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Server] Serve error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Redis    string `json:"redis,omitempty"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis and the database are reachable, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Redis:    "connected",
		Database: "connected",
	}
	status := http.StatusOK

	var errs []error
	if err := s.redis.Ping(ctx); err != nil {
		response.Redis = "disconnected"
		errs = append(errs, err)
	}
	if err := s.db.Ping(ctx); err != nil {
		response.Database = "disconnected"
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		response.Status = "unhealthy"
		response.Error = errors.Join(errs...).Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
