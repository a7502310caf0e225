// Package server exposes the chat service over HTTP.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/megbot-dev/megbot/pkg/chat"
	"github.com/megbot-dev/megbot/pkg/observability"
	"github.com/megbot-dev/megbot/pkg/security"
	"github.com/megbot-dev/megbot/pkg/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// Options configures the HTTP surface.
type Options struct {
	// CookieName names the session cookie.
	CookieName string
	// CookieSecure marks the cookie HTTPS-only.
	CookieSecure bool
	// CookieMaxAge is the cookie lifetime; 0 makes it a browser-session cookie.
	CookieMaxAge time.Duration
	// Metrics mounts /metrics.
	Metrics bool
	// ReadTimeout and WriteTimeout configure the listener.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wires the chat service, session manager and health checks into echo.
type Server struct {
	echo     *echo.Echo
	chat     *chat.Service
	sessions *session.Manager
	health   *observability.HealthChecker
	limiter  *security.RateLimiter
	opts     Options
	logger   *slog.Logger
	page     *template.Template
}

// New builds the server and registers all routes. limiter and health may be nil.
func New(svc *chat.Service, sessions *session.Manager, health *observability.HealthChecker, limiter *security.RateLimiter, opts Options, logger *slog.Logger) (*Server, error) {
	if opts.CookieName == "" {
		opts.CookieName = "megbot_session"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = observability.NewHealthChecker()
	}

	page, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout

	s := &Server{
		echo:     e,
		chat:     svc,
		sessions: sessions,
		health:   health,
		limiter:  limiter,
		opts:     opts,
		logger:   logger.With("component", "http"),
		page:     page,
	}
	e.HTTPErrorHandler = s.errorHandler

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/health", echo.WrapHandler(s.health.HealthHandler()))
	e.GET("/health/live", echo.WrapHandler(observability.LivenessHandler()))
	e.GET("/health/ready", echo.WrapHandler(s.health.ReadinessHandler()))
	if s.opts.Metrics {
		e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))
	}

	app := e.Group("")
	if s.limiter != nil {
		app.Use(s.rateLimit)
	}
	app.Use(s.sessionMiddleware)

	app.GET("/", s.handleIndex)
	app.POST("/", s.handleChat)
	app.GET("/clear_history", s.handleClearHistory)
	app.POST("/clear_history", s.handleClearHistory)
	app.POST("/save_api_key", s.handleSaveAPIKey)
	app.GET("/history", s.handleHistory)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// errorHandler renders echo errors as JSON.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		s.logger.Error("unhandled error", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": msg})
	}
	if err != nil {
		s.logger.Error("failed to write error response", "error", err)
	}
}
