package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use. WriteTimeout is left
// unset because hijacked WebSocket connections manage their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves on ln until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server, ln net.Listener, logger zerolog.Logger) error {
	logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logger.Info().Msg("HTTP server shutdown completed")
	return nil
}
