package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleClientMetadata(e echo.Context) error {
	meta := s.app.Client.ClientMetadata("atproto session broker", s.baseUrl, s.baseUrl+"/oauth/jwks.json")
	return e.JSON(http.StatusOK, meta)
}

func (s *Server) handleJwks(e echo.Context) error {
	jwks, err := s.app.Client.PublicJwks()
	if err != nil {
		return err
	}

	if jwks == nil {
		return e.JSON(http.StatusOK, map[string]any{"keys": []any{}})
	}

	return e.JSON(http.StatusOK, jwks)
}

func (s *Server) handleLogin(e echo.Context) error {
	handle := e.FormValue("handle")
	if strings.TrimSpace(handle) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "handle is required")
	}

	returnUrl := e.FormValue("return_url")
	if returnUrl != "" && !s.isLocalUrl(returnUrl) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid return_url")
	}

	start, err := s.app.Login(e.Request().Context(), handle, returnUrl)
	if err != nil {
		return err
	}

	sess, err := session.Get(loginCookieName, e)
	if err != nil {
		return err
	}

	// make sure the session is empty
	sess.Values = map[any]any{}
	sess.Values["oauth_state"] = start.State

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	if wantsJson(e) {
		return e.JSON(http.StatusOK, map[string]string{"redirect_url": start.RedirectUrl})
	}

	return e.Redirect(http.StatusFound, start.RedirectUrl)
}

func (s *Server) handleCallback(e echo.Context) error {
	params := oauth.CallbackParams{
		Code:             e.QueryParam("code"),
		State:            e.QueryParam("state"),
		Iss:              e.QueryParam("iss"),
		Error:            e.QueryParam("error"),
		ErrorDescription: e.QueryParam("error_description"),
	}

	sess, err := session.Get(loginCookieName, e)
	if err != nil {
		return err
	}

	// browsers that started the login carry the state in a cookie, API clients may not
	if cookieState, ok := sess.Values["oauth_state"].(string); ok && cookieState != params.State {
		return oauth.ErrInvalidState
	}

	res, err := s.app.HandleCallback(e.Request().Context(), params)
	if err != nil {
		return err
	}

	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	if err := sess.Save(e.Request(), e.Response()); err != nil {
		s.logger.Warn("failed to clear login cookie", "err", err)
	}

	if res.ReturnUrl != "" {
		u, err := url.Parse(res.ReturnUrl)
		if err == nil {
			u.Fragment = url.Values{"session_id": {res.SessionID}}.Encode()
			return e.Redirect(http.StatusFound, u.String())
		}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"session_id": res.SessionID,
		"user":       res.User,
	})
}

// handleLogout deletes the session without loading it, so expired or refresh-locked sessions
// can still be logged out.
func (s *Server) handleLogout(e echo.Context) error {
	id, ok := bearerSessionId(e)
	if !ok {
		return e.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	if err := s.app.Logout(e.Request().Context(), id); err != nil {
		return err
	}

	return e.NoContent(http.StatusNoContent)
}

// isLocalUrl allows relative paths and absolute urls on our own origin.
func (s *Server) isLocalUrl(raw string) bool {
	if strings.HasPrefix(raw, "/") {
		return !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	base, err := url.Parse(s.baseUrl)
	if err != nil {
		return false
	}

	return u.Scheme == base.Scheme && u.Host == base.Host
}

func wantsJson(e echo.Context) bool {
	return strings.Contains(e.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}

func (s *Server) errorHandler(err error, e echo.Context) {
	if e.Response().Committed {
		return
	}

	// request logging wraps handler errors in a bare 500 HTTPError, so typed errors underneath
	// still decide the response
	status := errorStatus(err)
	var he *echo.HTTPError
	if status == http.StatusInternalServerError && errors.As(err, &he) && (he.Internal == nil || he.Code != http.StatusInternalServerError) {
		e.Echo().DefaultHTTPErrorHandler(err, e)
		return
	}

	if status >= 500 {
		s.logger.Error("request failed", "path", e.Path(), "err", err)
	} else {
		s.logger.Info("request rejected", "path", e.Path(), "status", status, "err", err)
	}

	if status == http.StatusUnauthorized {
		e.JSON(status, map[string]string{"error": "unauthorized"})
		return
	}

	e.JSON(status, map[string]string{"error": oauth.PublicMessage(err)})
}

func errorStatus(err error) int {
	switch {
	case oauth.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errors.Is(err, oauth.ErrRefresh):
		return http.StatusServiceUnavailable
	case errors.Is(err, oauth.ErrHandleResolution), errors.Is(err, oauth.ErrDidResolution):
		return http.StatusBadRequest
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, oauth.ErrIdentityMismatch):
		return http.StatusForbidden
	case errors.Is(err, oauth.ErrMetadataFetch), errors.Is(err, oauth.ErrAuthorizationRequest),
		errors.Is(err, oauth.ErrNonceRetryExhausted), errors.Is(err, oauth.ErrTokenExchange):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
