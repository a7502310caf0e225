package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/megbot-dev/megbot/internal/logger"
	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/observability"
	"github.com/megbot-dev/megbot/pkg/session"
)

const (
	ctxSessionID    = "megbot.session_id"
	ctxSessionState = "megbot.session_state"
)

// requestLogger tags each request with an id, logs it, and records metrics.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()

		requestID := req.Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = logger.NewRequestID()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)

		log := logger.NewRequestLogger(s.logger, requestID)
		c.SetRequest(req.WithContext(logger.WithLogger(req.Context(), log)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		observability.RecordHTTPRequest(req.Method, path, strconv.Itoa(status), elapsed)
		log.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"duration", elapsed,
			"remote", c.RealIP(),
		)
		return nil
	}
}

// rateLimit rejects clients that exceed the configured rate.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limiter.Allow(c.RealIP()) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"response": "Too many requests. Please slow down.",
			})
		}
		return next(c)
	}
}

// sessionMiddleware resolves the session cookie, holds the per-session lock
// for the whole request, and loads the state. Handlers persist through
// commit before writing their response; anything left modified is saved on
// the way out.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := logger.FromContext(ctx)

		id := ""
		if cookie, err := c.Cookie(s.opts.CookieName); err == nil && session.ValidID(cookie.Value) {
			id = cookie.Value
		}
		if id == "" {
			id = session.NewID()
			s.setSessionCookie(c, id)
		}

		unlock := s.sessions.Lock(id)
		defer unlock()

		st, err := s.sessions.Load(ctx, id)
		observability.RecordSessionOp("load", err)
		if err != nil {
			if !errors.Is(err, session.ErrStorageClosed) {
				// Unreadable state is replaced with a fresh one.
				log.Warn("discarding unreadable session", "error", err)
				st = conversation.NewState(s.sessions.Options())
			} else {
				log.Error("session store unavailable", "error", err)
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session storage unavailable")
			}
		}

		c.Set(ctxSessionID, id)
		c.Set(ctxSessionState, st)

		herr := next(c)

		if st.Modified() {
			if err := s.commit(c); err != nil && herr == nil {
				herr = err
			}
		}
		return herr
	}
}

func (s *Server) setSessionCookie(c echo.Context, id string) {
	cookie := &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.opts.CookieMaxAge > 0 {
		cookie.MaxAge = int(s.opts.CookieMaxAge.Seconds())
	}
	c.SetCookie(cookie)
}

func stateFrom(c echo.Context) *conversation.State {
	st, _ := c.Get(ctxSessionState).(*conversation.State)
	return st
}

// commit persists the session state if it changed. A successful write
// re-issues the cookie so a fixed MaxAge slides along with the store TTL.
func (s *Server) commit(c echo.Context) error {
	st := stateFrom(c)
	id, _ := c.Get(ctxSessionID).(string)
	if st == nil || id == "" {
		return nil
	}
	saved, err := s.sessions.Save(c.Request().Context(), id, st)
	observability.RecordSessionOp("save", err)
	if err != nil {
		logger.FromContext(c.Request().Context()).Error("failed to save session", "error", err)
		return err
	}
	if saved && s.opts.CookieMaxAge > 0 && !c.Response().Committed {
		s.setSessionCookie(c, id)
	}
	return nil
}
