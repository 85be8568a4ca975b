package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"st_trading/internal/core"
)

// HealthReporter is the view of the health registry the endpoints
// serve.
type HealthReporter interface {
	Status() map[string]string
	IsHealthy() bool
}

// HealthServer serves liveness and readiness over HTTP. Liveness only
// says the process is up; readiness requires every registered
// component to be healthy.
type HealthServer struct {
	port   int
	logger core.ILogger
	hm     HealthReporter
	srv    *http.Server
}

func NewHealthServer(port int, logger core.ILogger, hm HealthReporter) *HealthServer {
	return &HealthServer{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		hm:     hm,
	}
}

// Handler builds the route table. Split out so tests can drive the
// endpoints without a listener.
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *HealthServer) Start() {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting health server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
}

func (s *HealthServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping health server")
	return s.srv.Shutdown(ctx)
}

func (s *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	code := http.StatusOK
	if s.hm != nil {
		body["components"] = s.hm.Status()
		if !s.hm.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	if s.hm != nil {
		status = s.hm.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
