package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrHandleResolution     = errors.New("handle resolution failed")
	ErrDidResolution        = errors.New("did resolution failed")
	ErrMetadataFetch        = errors.New("oauth metadata fetch failed")
	ErrAuthorizationRequest = errors.New("authorization request failed")
	ErrInvalidState         = errors.New("invalid or expired oauth state")
	ErrNonceRetryExhausted  = errors.New("dpop nonce retry exhausted")
	ErrTokenExchange        = errors.New("token exchange failed")
	ErrIdentityMismatch     = errors.New("token subject does not match resolved identity")
	ErrRefresh              = errors.New("session refresh failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session expired")
)

// OauthError is an RFC 6749 error body as returned by token, PAR and revocation endpoints.
type OauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *OauthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Description, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.StatusCode)
}

func isOauthErrorCode(err error, code string) bool {
	var oe *OauthError
	return errors.As(err, &oe) && oe.Code == code
}

// IsUnauthorized reports whether err means the caller has no usable session and should log in again.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired)
}

// PublicMessage maps an error from this package to a message that is safe to show to an end user.
// Internal URLs and upstream error bodies are never included. A session that ended because its
// refresh failed reads the same as any other expired session.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnauthorized(err):
		return "unauthorized"
	case errors.Is(err, ErrRefresh):
		return "your session is temporarily unavailable, please retry shortly"
	case errors.Is(err, ErrHandleResolution), errors.Is(err, ErrDidResolution), errors.Is(err, ErrMetadataFetch):
		return "couldn't find your account"
	case errors.Is(err, ErrAuthorizationRequest):
		return "your account's server rejected the login request"
	case errors.Is(err, ErrInvalidState):
		return "this login link has expired, please start again"
	case errors.Is(err, ErrIdentityMismatch):
		return "login failed, please start again"
	case errors.Is(err, ErrNonceRetryExhausted), errors.Is(err, ErrTokenExchange):
		return "couldn't complete login, please try again"
	}
	return "internal error"
}
