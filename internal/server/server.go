// Package server exposes the local HTTP and SSE diagnostics surface: the
// tool catalog and runner, the event tail and live stream, the chat
// endpoints, health and Prometheus metrics. It binds to loopback by default
// and carries no auth; the transport boundary is the host.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/orchestrate"
	"github.com/contextd/contextd/internal/tools"
)

// Config configures the HTTP surface.
type Config struct {
	// Listen is the bind address. Default: 127.0.0.1:8787.
	Listen string

	// SSEHeartbeat is the comment-line heartbeat interval on event
	// streams. Default: 15s.
	SSEHeartbeat time.Duration

	// ShutdownTimeout bounds the graceful drain. Default: 10s.
	ShutdownTimeout time.Duration
}

// TurnRunner runs one assistant turn. *orchestrate.Service satisfies it;
// tests substitute stubs.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrate.Request) (*orchestrate.Result, error)
}

// Server is the diagnostics and chat HTTP server.
type Server struct {
	cfg      Config
	exec     *tools.Executor
	store    *ctxlog.Store
	runner   TurnRunner
	metrics  *metrics
	gatherer *prometheus.Registry
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New wires the server. The runner may be nil when chat is not configured;
// the chat endpoints then answer 503.
func New(cfg Config, exec *tools.Executor, store *ctxlog.Store, runner TurnRunner, logger *slog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8787"
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	return &Server{
		cfg:      cfg,
		exec:     exec,
		store:    store,
		runner:   runner,
		metrics:  newMetrics(reg),
		gatherer: reg,
		logger:   logger.With("component", "server"),
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tools", s.handleToolList)
	mux.HandleFunc("POST /api/tools/run", s.handleToolRun)
	mux.HandleFunc("GET /api/tools/executions", s.handleToolExecutions)

	mux.HandleFunc("GET /api/ctx/tail", s.handleTail)
	mux.HandleFunc("GET /api/ctx/stream", s.handleStream)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.countRequests(mux)
}

// Start binds the listener and serves until Shutdown. The bind happens
// synchronously so the caller sees address errors; serving continues in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests under the configured timeout. Open SSE
// streams end when their client context is cancelled by the closing server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// countRequests increments the per-route request counter. The mux fills in
// Request.Pattern during dispatch, so counting after ServeHTTP labels by
// matched route and keeps cardinality bounded; unmatched requests share one
// label.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.requests.WithLabelValues(pattern).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
