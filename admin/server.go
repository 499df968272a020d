package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server serves the admin API and the metrics endpoint
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the HTTP mux for the given handlers
func NewServer(handlers *AdminHandlers) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens on address:port and serves in the background
func (s *Server) Start(address string, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	log.Info().Str("address", listener.Addr().String()).Msg("Admin server listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
