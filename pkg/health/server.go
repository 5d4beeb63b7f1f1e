// Package health serves breaker state, Prometheus metrics and recent log entries over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamguard/pkg/agent/middleware/resilience/circuit"
	"streamguard/pkg/logx"
	"streamguard/pkg/version"
)

// Status is the /healthz response body.
type Status struct {
	Status   string             `json:"status"`
	Version  string             `json:"version"`
	Breakers []circuit.Snapshot `json:"breakers"`
}

// Server exposes /healthz, /metrics, /debug/logs and POST /breakers/reset.
type Server struct {
	breakers circuit.Source
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	srv      *http.Server
}

// NewServer creates a server. A nil gatherer serves the default Prometheus registry.
func NewServer(addr string, breakers circuit.Source, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		breakers: breakers,
		gatherer: gatherer,
		logger:   logx.NewLogger("health"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/logs", s.handleLogs)
	mux.HandleFunc("/breakers/reset", s.handleReset)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health server listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening on %s", ln.Addr())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("health server shutdown: %w", err)
		}
		return nil
	}
}

// handleHealth implements GET /healthz. Any breaker that would refuse the next call makes the
// service unavailable; an Open breaker past its recovery timeout admits a trial call and does not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeStatus(w)
}

// handleReset implements POST /breakers/reset, closing every breaker and returning the new status.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.breakers != nil {
		s.breakers.ResetAll()
		s.logger.Warn("all circuit breakers reset by operator request from %s", r.RemoteAddr)
	}
	s.writeStatus(w)
}

func (s *Server) writeStatus(w http.ResponseWriter) {
	status := Status{Status: "ok", Version: version.Version, Breakers: []circuit.Snapshot{}}
	code := http.StatusOK
	if s.breakers != nil {
		status.Breakers = s.breakers.Snapshots()
	}
	for i := range status.Breakers {
		if !status.Breakers[i].CanExecute {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to encode health response: %v", err)
	}
}

// handleLogs implements GET /debug/logs?domain=&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", sinceStr)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
	}

	entries := logx.RecentEntries(query.Get("domain"), since)
	if entries == nil {
		entries = []logx.LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Error("Failed to encode logs response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
