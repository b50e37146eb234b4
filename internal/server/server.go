// Package server exposes fetcher health, status and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/engine"
	"github.com/withObsrvr/grib-fetcher/internal/metrics"
)

// StatusSource reports the latest batch per product.
type StatusSource interface {
	All() []engine.Summary
	Get(product string) (engine.Summary, bool)
}

// CheckpointSource loads a product's last clean run.
type CheckpointSource interface {
	Checkpoint(ctx context.Context, product string) (*checkpoint.Checkpoint, error)
}

// Config represents the server configuration
type Config struct {
	Address   string
	AccessLog io.Writer // nil disables access logging
}

// Server serves /health, /metrics and /status.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	status      StatusSource
	checkpoints CheckpointSource
	started     time.Time
}

// productStatus is the body of /status/{product}.
type productStatus struct {
	engine.Summary
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// NewServer creates the status server.
func NewServer(cfg Config, status StatusSource, checkpoints CheckpointSource) *Server {
	router := mux.NewRouter().StrictSlash(true)

	s := &Server{
		router:      router,
		status:      status,
		checkpoints: checkpoints,
		started:     time.Now().UTC(),
	}
	s.setupRoutes()

	var h http.Handler = handlers.RecoveryHandler()(router)
	if cfg.AccessLog != nil {
		h = handlers.LoggingHandler(cfg.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes sets up the server routes
func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/status/{product}", s.handleProductStatus).Methods("GET")
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.All())
}

func (s *Server) handleProductStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["product"]

	var body productStatus
	sum, ok := s.status.Get(name)
	if ok {
		body.Summary = sum
	} else {
		body.Product = name
	}

	if s.checkpoints != nil {
		cp, err := s.checkpoints.Checkpoint(r.Context(), name)
		switch {
		case err == nil:
			body.Checkpoint = cp
		case !errors.Is(err, checkpoint.ErrNoCheckpoint):
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	if !ok && body.Checkpoint == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status for product " + name})
		return
	}
	writeJSON(w, http.StatusOK, body)
}
