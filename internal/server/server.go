package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/service"
)

// Server owns the router, the WebSocket hub and the HTTP listener.
type Server struct {
	cfg      config.Config
	svc      *service.Service
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	router   *chi.Mux
	http     *http.Server
	logger   zerolog.Logger
}

// New builds a Server for svc. Call Start to run the hub.
func New(cfg config.Config, svc *service.Service, logger zerolog.Logger) *Server {
	cfg = cfg.Sanitize()
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     NewHub(logger),
		origins: newOriginPolicy(cfg.AllowedOrigins, logger.With().Str("component", "http").Logger()),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.router = s.routes()
	s.http = CreateServer(cfg.Port, s.router)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub. It must be called before serving WebSocket requests.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info().Msg("hub started and ready to manage WebSocket connections")
}

// ListenAndServe blocks serving HTTP until Shutdown. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every WebSocket client
// and waits for its pumps, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.shutdownHTTP(ctx)

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			timeout = remaining
		}
	}
	return errors.Join(httpErr, s.hub.Shutdown(timeout))
}
