package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/pipeline"
)

// Server wraps go-microservice-base's BaseServer with the push gateway's
// single route. There is no background consumer pipeline to start or stop
// alongside the HTTP surface, so Server is just the HTTP server plus its
// readiness flag.
type Server struct {
	*microservice.BaseServer
	logger *slog.Logger
}

// New assembles the push gateway's HTTP surface: the base server from
// go-microservice-base, and the single notify route (§6).
func New(listenAddr string, maxRequestBodyBytes int64, requestTimeout time.Duration, p *pipeline.Pipeline, reg *metrics.Registry, logger *slog.Logger) *Server {
	baseServer := microservice.NewBaseServer(logger, listenAddr)

	handler := NewNotifyHandler(p, reg, logger, maxRequestBodyBytes, requestTimeout)
	baseServer.Mux().Handle("POST /_matrix/push/v1/notify", handler)

	return &Server{
		BaseServer: baseServer,
		logger:     logger,
	}
}

// Start marks the server ready and begins serving. There is no background
// pipeline to start first — dispatch happens synchronously within each
// request.
func (s *Server) Start() error {
	s.SetReady(true)
	s.logger.Info("push gateway is ready")
	return s.BaseServer.Start()
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down push gateway")
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
