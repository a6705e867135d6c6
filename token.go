package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

type dpopResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// latest nonce known after this response
	Nonce string
	// nonce issued by this response's DPoP-Nonce header, if any
	Issued string
}

// needsNonce reports whether the server rejected the proof for lacking a (fresh) nonce. Auth
// servers say so in a JSON error body, resource servers in WWW-Authenticate.
func (r *dpopResponse) needsNonce() bool {
	if r.StatusCode != http.StatusBadRequest && r.StatusCode != http.StatusUnauthorized {
		return false
	}

	if strings.Contains(r.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
		return true
	}

	var oe OauthError
	if err := json.Unmarshal(r.Body, &oe); err != nil {
		return false
	}

	return oe.Code == "use_dpop_nonce"
}

func (r *dpopResponse) oauthError() *OauthError {
	oe := &OauthError{StatusCode: r.StatusCode}
	if err := json.Unmarshal(r.Body, oe); err != nil || oe.Code == "" {
		oe.Code = "unknown_error"
	}
	return oe
}

// sendFunc performs one request carrying a proof built with the given nonce.
type sendFunc func(ctx context.Context, nonce string) (*dpopResponse, error)

// withNonceRetry runs the two step nonce exchange: the first attempt uses whatever nonce we
// already hold, and only a use_dpop_nonce rejection leads to the second and last attempt with the
// nonce the server just issued. A second rejection is terminal.
func withNonceRetry(ctx context.Context, nonce string, send sendFunc) (*dpopResponse, error) {
	first, err := send(ctx, nonce)
	if err != nil {
		return nil, err
	}

	if !first.needsNonce() {
		return first, nil
	}

	if first.Issued == "" {
		return nil, fmt.Errorf("%w: server asked for a nonce but did not issue one", ErrNonceRetryExhausted)
	}

	second, err := send(ctx, first.Issued)
	if err != nil {
		return nil, err
	}

	if second.needsNonce() {
		return nil, ErrNonceRetryExhausted
	}

	return second, nil
}

// postForm sends one form encoded POST with a DPoP proof for key.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, key jwk.Key, nonce string) (*dpopResponse, error) {
	proof, err := CreateDpopProof(key, "POST", endpoint, DpopOpts{Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("error getting dpop proof: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("DPoP", proof)

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body: %w", err)
	}

	out := &dpopResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
		Nonce:      nonce,
	}

	if n := resp.Header.Get("DPoP-Nonce"); n != "" {
		out.Nonce = n
		out.Issued = n
	}

	return out, nil
}

func (c *Client) tokenRequest(ctx context.Context, endpoint string, body any, key jwk.Key, nonce string) (*TokenResponse, error) {
	if _, err := isSafeAndParsed(endpoint); err != nil {
		return nil, fmt.Errorf("%w: token endpoint: %v", ErrTokenExchange, err)
	}

	form, err := query.Values(body)
	if err != nil {
		return nil, err
	}

	resp, err := withNonceRetry(ctx, nonce, func(ctx context.Context, nonce string) (*dpopResponse, error) {
		return c.postForm(ctx, endpoint, form, key, nonce)
	})
	if err != nil {
		if errors.Is(err, ErrNonceRetryExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		oe := resp.oauthError()
		c.logger.Warn("token request failed", "authServer", endpoint, "statusCode", resp.StatusCode, "error", oe.Code)
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, oe)
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(resp.Body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("%w: could not decode token response: %v", ErrTokenExchange, err)
	}

	// set the nonce so that updates are reflected in response
	tokenResponse.DpopAuthserverNonce = resp.Nonce

	return &tokenResponse, nil
}

// InitialTokenRequest exchanges an authorization code. dpopPrivateJwk becomes the session key.
func (c *Client) InitialTokenRequest(
	ctx context.Context,
	pending *PendingAuthorization,
	code string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	assertionType, assertion, err := c.clientAuth(pending.AuthorizationServer)
	if err != nil {
		return nil, err
	}

	body := InitialTokenRequest{
		ClientID:            c.clientId,
		RedirectURI:         c.redirectUri,
		GrantType:           "authorization_code",
		Code:                code,
		CodeVerifier:        pending.CodeVerifier,
		ClientAssertionType: assertionType,
		ClientAssertion:     assertion,
	}

	return c.tokenRequest(ctx, pending.TokenEndpoint, body, dpopPrivateJwk, "")
}

// RefreshTokenRequest redeems the session's refresh token, reusing the session's DPoP key.
func (c *Client) RefreshTokenRequest(ctx context.Context, sess *Session) (*TokenResponse, error) {
	dpopPrivateJwk, err := ParseJWKFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return nil, fmt.Errorf("could not parse session dpop key: %w", err)
	}

	assertionType, assertion, err := c.clientAuth(sess.AuthserverIss)
	if err != nil {
		return nil, err
	}

	body := RefreshTokenRequest{
		ClientID:            c.clientId,
		GrantType:           "refresh_token",
		RefreshToken:        sess.RefreshToken,
		ClientAssertionType: assertionType,
		ClientAssertion:     assertion,
	}

	resp, err := c.tokenRequest(ctx, sess.TokenEndpoint, body, dpopPrivateJwk, sess.DpopAuthserverNonce)
	if err != nil {
		return nil, err
	}

	if resp.Sub != sess.Did {
		return nil, fmt.Errorf("%w: refresh returned subject %q for %s", ErrIdentityMismatch, resp.Sub, sess.Did)
	}

	// servers may omit a new refresh token when they do not rotate
	if resp.RefreshToken == "" {
		resp.RefreshToken = sess.RefreshToken
	}

	return resp, nil
}

// RevokeToken asks the auth server to revoke the session's refresh token.
func (c *Client) RevokeToken(ctx context.Context, sess *Session) error {
	if sess.RevocationEndpoint == "" {
		return fmt.Errorf("auth server has no revocation endpoint")
	}

	if _, err := isSafeAndParsed(sess.RevocationEndpoint); err != nil {
		return err
	}

	dpopPrivateJwk, err := ParseJWKFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return err
	}

	assertionType, assertion, err := c.clientAuth(sess.AuthserverIss)
	if err != nil {
		return err
	}

	form, err := query.Values(RevocationRequest{
		ClientID:            c.clientId,
		Token:               sess.RefreshToken,
		TokenTypeHint:       "refresh_token",
		ClientAssertionType: assertionType,
		ClientAssertion:     assertion,
	})
	if err != nil {
		return err
	}

	resp, err := withNonceRetry(ctx, sess.DpopAuthserverNonce, func(ctx context.Context, nonce string) (*dpopResponse, error) {
		return c.postForm(ctx, sess.RevocationEndpoint, form, dpopPrivateJwk, nonce)
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return resp.oauthError()
	}

	return nil
}

// AuthedRequest performs a resource request against the session's PDS with a DPoP bound access
// token. It returns the response and the PDS nonce to remember for the next request. The caller
// closes the response body.
func (c *Client) AuthedRequest(ctx context.Context, sess *Session, method, reqUrl string, body []byte, contentType string) (*http.Response, string, error) {
	dpopPrivateJwk, err := ParseJWKFromBytes([]byte(sess.DpopPrivateJwk))
	if err != nil {
		return nil, "", err
	}

	var last *http.Response

	send := func(ctx context.Context, nonce string) (*dpopResponse, error) {
		proof, err := CreateDpopProof(dpopPrivateJwk, method, reqUrl, DpopOpts{Nonce: nonce, AccessToken: sess.AccessToken})
		if err != nil {
			return nil, err
		}

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqUrl, rdr)
		if err != nil {
			return nil, err
		}

		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "DPoP "+sess.AccessToken)
		req.Header.Set("DPoP", proof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}

		out := &dpopResponse{StatusCode: resp.StatusCode, Header: resp.Header, Nonce: nonce}
		if n := resp.Header.Get("DPoP-Nonce"); n != "" {
			out.Nonce = n
			out.Issued = n
		}

		// only nonce challenges are buffered, anything else is handed to the caller unread
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			b, err := readLimited(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			out.Body = b
			resp.Body = io.NopCloser(bytes.NewReader(b))
		}

		if last != nil {
			last.Body.Close()
		}
		last = resp

		return out, nil
	}

	resp, err := withNonceRetry(ctx, sess.DpopPdsNonce, send)
	if err != nil {
		if last != nil {
			last.Body.Close()
		}
		return nil, "", err
	}

	return last, resp.Nonce, nil
}
