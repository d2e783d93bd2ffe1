package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nosana-ci/nosana-node/pkg/health"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/metrics"
	"github.com/nosana-ci/nosana-node/pkg/node"
)

// Server exposes the node's health, readiness and metrics over HTTP.
type Server struct {
	node    *node.Node
	monitor node.Monitor
	server  *http.Server
}

// NewServer creates the HTTP server for a node.
func NewServer(n *node.Node, monitor node.Monitor) *Server {
	s := &Server{node: n, monitor: monitor}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.server.Addr = addr
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// healthHandler reports the cached health verdict: status, snapshot and the
// reason list when unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Cached(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != health.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// ReadyResponse reports the work loop state.
type ReadyResponse struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		State:     string(s.node.State()),
		Timestamp: time.Now(),
	})
}
