// Package server is the HTTP surface of the router: health, state
// snapshots, a websocket state stream, synchronous scheduling and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

// Router is the part of the router the server exposes.
type Router interface {
	State() models.RouterState
	OnStateChange(func(models.RouterState))
	Schedule(ctx context.Context, spec models.TaskSpec) (models.TaskResult, error)
}

type Server struct {
	Handler http.Handler
	hub    *Hub
	router Router
	logger *zap.Logger
	ctx    context.Context
}

// scheduleResponse is the JSON body of POST /api/schedule.
type scheduleResponse struct {
	models.TaskResult
	Error string `json:"error,omitempty"`
}

// New wires the handlers and starts the websocket hub, which lives until
// ctx ends.
func New(ctx context.Context, r Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub(logger)
	go hub.Run(ctx)

	s := &Server{hub: hub, router: r, logger: logger, ctx: ctx}
	r.OnStateChange(func(st models.RouterState) { hub.BroadcastJSON(st) })

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/schedule", s.handleSchedule)
	mux.Handle("/metrics", promhttp.Handler())
	s.Handler = mux
	return s
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.router.State())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	serveWS(s.ctx, s.hub, w, r, s.router.State())
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var spec models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.router.Schedule(r.Context(), spec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body := scheduleResponse{TaskResult: res}
	status := http.StatusOK
	if res.Err != nil {
		body.Error = res.Err.Error()
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
