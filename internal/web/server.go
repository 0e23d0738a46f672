package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/justestif/go-spotify-now-playing/internal/nowplaying"
)

const shutdownTimeout = 10 * time.Second

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	TemplatesFS    fs.FS
	StaticFS       fs.FS
	Auth           Authenticator
	Pollers        *nowplaying.Registry
	Logger         *log.Logger
}

// Server is the HTTP server for the web application.
type Server struct {
	router   chi.Router
	server   *http.Server
	sessions *SessionStore
	pollers  *nowplaying.Registry
	handlers *Handlers
	logger   *log.Logger
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("web: no authenticator configured")
	}
	if cfg.Pollers == nil {
		return nil, errors.New("web: no poller registry configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	templates, err := NewTemplates(cfg.TemplatesFS)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	sessions := NewSessionStore()

	s := &Server{
		router:   chi.NewRouter(),
		sessions: sessions,
		pollers:  cfg.Pollers,
		handlers: NewHandlers(cfg.Auth, sessions, templates, cfg.Pollers, cfg.AllowedOrigins, logger),
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.StaticFS)

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket connections are long-lived and manage
		// their own write deadlines.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

// setupRoutes configures routes for the application.
func (s *Server) setupRoutes(staticFS fs.FS) {
	h := s.handlers

	s.router.Get("/healthz", h.Health)
	s.router.Get("/ws", h.WebSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		fileServer := http.FileServer(http.FS(staticFS))
		r.Handle("/static/*", http.StripPrefix("/static/", fileServer))

		// Pages
		r.Get("/", h.Home)
		r.Get("/now-playing", h.NowPlaying)
		r.Get("/api/now-playing", h.NowPlayingJSON)
		r.Post("/player/toggle", h.TogglePlaying)

		// Auth routes
		r.Get("/auth/login", h.Login)
		r.Get("/callback", h.Callback)
		r.Post("/auth/logout", h.Logout)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully and stops
// every poller.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Request contexts, and so open websockets, end with ctx.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	registryDone := make(chan struct{})
	go func() {
		s.pollers.Run(ctx)
		close(registryDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "url", "http://"+ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErr := s.server.Shutdown(shutdownCtx)

	cancel()
	<-registryDone

	if serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}

	s.logger.Info("server stopped")
	return nil
}
