// Package api serves the HTTP status and command surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/hub"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/stream"
)

// Service is what the API drives. *hub.Hub implements it.
type Service interface {
	Status() hub.Status
	StartStream(ctx context.Context, streamID, input string, opts stream.StartOptions) (stream.Snapshot, error)
	StopStream(ctx context.Context, streamID string) (stream.Snapshot, error)
	Publish(ctx context.Context, streamID string) (stream.Snapshot, error)
	Unpublish(ctx context.Context, streamID string) error
	Stream(streamID string) (stream.Snapshot, error)
	Streams() []stream.Snapshot
	Platforms() []platform.Status
	Platform(name string) (platform.Status, error)
	Send(ctx context.Context, name, text string) error
	Broadcast(ctx context.Context, text string, exclude ...string) map[string]error
	Reconnect(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	History(platformName string, limit int) []message.ChatMessage
	Subscribe(kinds ...event.Kind) ([]event.Event, <-chan event.Event, func())
}

type Options struct {
	// Token, when set, guards every /api route.
	Token   string
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server provides the HTTP API
type Server struct {
	svc    Service
	opts   Options
	logger *slog.Logger
	server *http.Server
}

func New(addr string, svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, logger: opts.Logger.With("component", "api")}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.server.Shutdown(ctx)
}
