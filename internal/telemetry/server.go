package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"hourbuy/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus exporter's registered metrics over HTTP,
// grounded on market_maker/internal/infrastructure/metrics/server.go.
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
}

// NewServer builds a metrics Server bound to port.
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{port: port, logger: logger.WithField("component", "metrics_server")}
}

// Start begins serving /metrics in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	go func() {
		s.logger.Info("starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err.Error())
		}
	}()
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
