package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenmeter/internal/service"
)

type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP API. maxFulfillment is the ceiling the catalog
// enforces on every action timeout, reloads included, so the write timeout
// derived from it outlasts any execution.
func NewServer(addr string, svc service.MeterService, limiter *RateLimiter, maxFulfillment time.Duration) *Server {
	mux := http.NewServeMux()
	h := NewHandler(svc)
	h.Register(mux, limiter)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      instrument(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: writeTimeout(maxFulfillment),
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// writeTimeout leaves room for the reserve and the commit around the adapter call.
func writeTimeout(maxFulfillment time.Duration) time.Duration {
	return maxFulfillment + 10*time.Second
}
