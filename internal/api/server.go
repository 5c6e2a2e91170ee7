// Package api exposes the water heater projections over a small HTTP
// status endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devbis/template-water-heater/internal/waterheater"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Server provides HTTP API endpoints for the water heater service
type Server struct {
	heaters []*waterheater.Heater
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(heaters []*waterheater.Heater, logger *zap.Logger, port int) *Server {
	s := &Server{
		heaters: heaters,
		logger:  logger.Named("api"),
	}

	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/api/water_heaters", s.handleWaterHeaters)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler (for tests)
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWaterHeaters(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshots := make([]waterheater.Snapshot, 0, len(s.heaters))
	for _, h := range s.heaters {
		snapshots = append(snapshots, h.Snapshot())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("State request served", zap.String("remote_addr", r.RemoteAddr))
}
