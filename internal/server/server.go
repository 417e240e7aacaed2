// Package server exposes the streaming endpoint and the side-channel API on
// one HTTP listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/user/termlink/internal/transport"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	httpServer *http.Server
	stream     *transport.Server
	logger     *slog.Logger
}

func New(addr string, stream *transport.Server, apiHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(stream, apiHandler),
			ReadHeaderTimeout: 10 * time.Second,
		},
		stream: stream,
		logger: logger,
	}
}

// NewHandler routes /ws to the stream server and /api/ to the API.
func NewHandler(stream *transport.Server, apiHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", stream.HandleWebSocket)
	if apiHandler != nil {
		mux.Handle("/api/", apiHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully. Streaming
// connections are hijacked, so they are closed explicitly.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.stream.Close()
		return err
	}
}
