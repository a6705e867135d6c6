package main

import (
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/labstack/echo/v4"
)

const sessionContextKey = "oauth_session"

func sessionFromContext(e echo.Context) *oauth.Session {
	sess, _ := e.Get(sessionContextKey).(*oauth.Session)
	return sess
}

func bearerSessionId(e echo.Context) (string, bool) {
	id, ok := strings.CutPrefix(e.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	id = strings.TrimSpace(id)
	return id, ok && id != ""
}

// requireSession resolves the bearer session id, refreshing the session when needed, and applies
// the per-account rate limit.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		id, ok := bearerSessionId(e)
		if !ok {
			return e.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		sess, err := s.app.Get(e.Request().Context(), id)
		if err != nil {
			if d, ok := oauth.RetryAfter(err, time.Now()); ok {
				e.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			}
			return err
		}

		if s.limiter != nil && !s.limiter.Allow(sess.Did, e.Path()) {
			e.Response().Header().Set("Retry-After", "1")
			return e.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}

		s.app.Touch(sess.Did)
		e.Set(sessionContextKey, sess)

		return next(e)
	}
}

func (s *Server) handleMe(e echo.Context) error {
	sess := sessionFromContext(e)
	return e.JSON(http.StatusOK, sess.User())
}

// handleProfile proxies app.bsky.actor.getProfile for the session's account through its PDS.
func (s *Server) handleProfile(e echo.Context) error {
	sess := sessionFromContext(e)

	reqUrl := sess.PdsUrl + "/xrpc/app.bsky.actor.getProfile?" + url.Values{"actor": {sess.Did}}.Encode()

	resp, err := s.app.AuthedRequest(e.Request().Context(), sess.ID, http.MethodGet, reqUrl, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}

	return e.Stream(resp.StatusCode, contentType, io.LimitReader(resp.Body, 1<<20))
}
