package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the pipeline view served by the health endpoints.
type Status struct {
	State         string `json:"state"`
	Running       bool   `json:"running"`
	Display       bool   `json:"display"`
	Browser       bool   `json:"browser"`
	Encoder       bool   `json:"encoder"`
	DisplaySlot   string `json:"display_slot,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Healthy reports whether all three processes are alive.
func (s Status) Healthy() bool {
	return s.Display && s.Browser && s.Encoder
}

// StatusFunc returns the current pipeline status.
type StatusFunc func() Status

// Server provides HTTP endpoints for Prometheus metrics and health checks.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer creates a new metrics server. gatherer is served on /metrics and
// status drives /healthz and /readyz.
func NewServer(addr string, gatherer prometheus.Gatherer, status StatusFunc, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health: all three processes alive
	health := statusHandler(status, Status.Healthy)
	mux.HandleFunc("/health", health)
	mux.HandleFunc("/healthz", health)

	// Ready: pipeline is running
	ready := statusHandler(status, func(s Status) bool { return s.Running })
	mux.HandleFunc("/ready", ready)
	mux.HandleFunc("/readyz", ready)

	return &Server{
		addr:   addr,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// statusHandler writes the status as JSON with 200 when ok(status) holds and
// 503 otherwise.
func statusHandler(status StatusFunc, ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := status()
		code := http.StatusOK
		if !ok(s) {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(s)
	}
}

// Start binds the listen address and serves in a goroutine.
// Returns once the socket is bound. Use Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("metrics_server_starting", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
