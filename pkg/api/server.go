// Package api serves the agent's local introspection API: endpoint status,
// the topic table, a force-sync hook and Prometheus metrics. It binds to
// loopback; it is a diagnostics surface, not a management plane.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/endpoint"
	"github.com/edgewire/edgesync/pkg/metrics"
	"github.com/edgewire/edgesync/pkg/status"
)

// Config tunes the API server.
type Config struct {
	Port int
}

// Server is the introspection HTTP server.
type Server struct {
	ep   *endpoint.Client
	port int
	srv  *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, ep *endpoint.Client) *Server {
	s := &Server{ep: ep, port: cfg.Port}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/topics", s.handleTopics)
		r.Post("/sync", s.handleSync)
	})
	if metrics.IsEnabled() {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api server listen failed: %w", err)
	}
	logger.Info("api server listening", "addr", s.srv.Addr)
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// StatusResponse is the /api/v1/status payload.
type StatusResponse struct {
	EndpointID   string `json:"endpoint_id"`
	Registered   bool   `json:"registered"`
	Attached     bool   `json:"attached"`
	AttachedUser string `json:"attached_user,omitempty"`
	Recoverable  bool   `json:"recoverable"`
}

// TopicResponse is one entry of the /api/v1/topics payload.
type TopicResponse struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Seq  uint32 `json:"seq"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.ep.EndpointID()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	attached, userID := s.ep.Status().Attachment()
	writeJSON(w, http.StatusOK, StatusResponse{
		EndpointID:   hex.EncodeToString(id[:]),
		Registered:   s.ep.IsRegistered(),
		Attached:     attached,
		AttachedUser: userID,
		Recoverable:  !s.ep.FailureSink().Stopped(),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.ep.Topics()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	out := make([]TopicResponse, 0, len(topics))
	for _, t := range topics {
		kind := "mandatory"
		if t.Kind == status.SubscriptionOptional {
			kind = "optional"
		}
		out = append(out, TopicResponse{ID: t.ID, Name: t.Name, Kind: kind, Seq: t.Seq})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.ep.SyncAll(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("api response encode failed", logger.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
