package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/haileyok/atproto-session-broker/internal/helpers"
)

// SendParAuthRequest pushes the authorization parameters and returns the request_uri handle.
func (c *Client) SendParAuthRequest(ctx context.Context, authServerMeta *OauthAuthorizationMetadata, body PushedAuthRequest) (*PushedAuthResponse, error) {
	if authServerMeta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	parUrl := authServerMeta.PushedAuthorizationRequestEndpoint

	if _, err := isSafeAndParsed(parUrl); err != nil {
		return nil, err
	}

	params, err := query.Values(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", parUrl, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		oe := &OauthError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(b, oe); err != nil || oe.Code == "" {
			oe.Code = "unknown_error"
		}
		c.logger.Warn("PAR request failed", "authServer", parUrl, "statusCode", resp.StatusCode, "error", oe.Code)
		return nil, oe
	}

	var parResp PushedAuthResponse
	if err := json.Unmarshal(b, &parResp); err != nil {
		return nil, fmt.Errorf("auth request (PAR) response failed to decode: %w", err)
	}

	if parResp.RequestUri == "" {
		return nil, fmt.Errorf("auth request (PAR) response had no request_uri")
	}

	return &parResp, nil
}

// AuthorizationStart is where to send the user-agent next. State is also returned so callers can
// bind it to the browser, the redirect url does not carry it when PAR was used.
type AuthorizationStart struct {
	RedirectUrl string
	State       string
	Did         string
}

// Login resolves the user-typed handle (or DID) and starts an authorization for it.
func (a *ClientApp) Login(ctx context.Context, input, returnUrl string) (*AuthorizationStart, error) {
	ident, err := a.Resolver.ResolveIdentity(ctx, input)
	if err != nil {
		loginsTotal.WithLabelValues("resolution_failed").Inc()
		return nil, err
	}

	return a.StartAuthorization(ctx, ident, returnUrl)
}

// StartAuthorization persists a pending authorization for ident and returns the URL the user-agent
// must be redirected to.
func (a *ClientApp) StartAuthorization(ctx context.Context, ident *ResolvedIdentity, returnUrl string) (*AuthorizationStart, error) {
	meta := ident.Metadata
	if meta == nil {
		return nil, fmt.Errorf("%w: no auth server metadata", ErrAuthorizationRequest)
	}

	authUrl, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid authorization endpoint: %v", ErrAuthorizationRequest, err)
	}

	pkce, err := GeneratePkce()
	if err != nil {
		return nil, err
	}

	state, err := helpers.GenerateURLToken(16)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pending := PendingAuthorization{
		State:               state,
		CodeVerifier:        pkce.CodeVerifier,
		Did:                 ident.Did.String(),
		Handle:              ident.Handle,
		PdsUrl:              ident.PdsUrl,
		AuthorizationServer: meta.Issuer,
		TokenEndpoint:       meta.TokenEndpoint,
		RevocationEndpoint:  meta.RevocationEndpoint,
		ReturnUrl:           returnUrl,
		CreatedAt:           a.now(),
	}

	if err := a.Store.SavePending(ctx, pending, a.Policy.PendingTTL); err != nil {
		return nil, fmt.Errorf("could not save pending authorization: %w", err)
	}

	assertionType, assertion, err := a.Client.clientAuth(meta.Issuer)
	if err != nil {
		a.discardPending(ctx, state)
		return nil, err
	}

	body := PushedAuthRequest{
		ResponseType:        "code",
		ClientID:            a.Client.clientId,
		RedirectURI:         a.Client.redirectUri,
		Scope:               a.Client.scope,
		State:               state,
		CodeChallenge:       pkce.CodeChallenge,
		CodeChallengeMethod: pkce.CodeChallengeMethod,
		LoginHint:           ident.Did.String(),
		ClientAssertionType: assertionType,
		ClientAssertion:     assertion,
	}

	if meta.PushedAuthorizationRequestEndpoint != "" {
		parResp, err := a.Client.SendParAuthRequest(ctx, meta, body)
		if err != nil {
			a.discardPending(ctx, state)
			loginsTotal.WithLabelValues("par_rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrAuthorizationRequest, err)
		}

		authUrl.RawQuery = url.Values{
			"client_id":   {a.Client.clientId},
			"request_uri": {parResp.RequestUri},
		}.Encode()
	} else {
		// no PAR endpoint: everything goes on the redirect, minus client authentication
		body.ClientAssertionType = ""
		body.ClientAssertion = ""

		params, err := query.Values(body)
		if err != nil {
			a.discardPending(ctx, state)
			return nil, err
		}

		authUrl.RawQuery = params.Encode()
	}

	a.logger.Info("started authorization", "did", ident.Did, "authServer", meta.Issuer, "par", meta.PushedAuthorizationRequestEndpoint != "")
	loginsTotal.WithLabelValues("started").Inc()

	return &AuthorizationStart{
		RedirectUrl: authUrl.String(),
		State:       state,
		Did:         ident.Did.String(),
	}, nil
}

func (a *ClientApp) discardPending(ctx context.Context, state string) {
	if err := a.Store.DeletePending(ctx, state); err != nil {
		a.logger.Warn("failed to discard pending authorization", "err", err)
	}
}
