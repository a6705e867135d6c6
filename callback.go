package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haileyok/atproto-session-broker/internal/helpers"
)

// CallbackParams are the query parameters the auth server appends to the redirect uri.
type CallbackParams struct {
	Code             string
	State            string
	Iss              string
	Error            string
	ErrorDescription string
}

type LoginResult struct {
	SessionID string
	User      User
	ReturnUrl string
}

// HandleCallback completes a login: it consumes the pending authorization named by the state,
// exchanges the code, binds the tokens to the resolved DID and creates a session.
func (a *ClientApp) HandleCallback(ctx context.Context, params CallbackParams) (*LoginResult, error) {
	res, err := a.handleCallback(ctx, params)
	if err != nil {
		loginsTotal.WithLabelValues(loginFailureReason(err)).Inc()
		return nil, err
	}

	loginsTotal.WithLabelValues("completed").Inc()
	return res, nil
}

func (a *ClientApp) handleCallback(ctx context.Context, params CallbackParams) (*LoginResult, error) {
	if params.State == "" {
		return nil, ErrInvalidState
	}

	// a state is single use, failed attempts included
	pending, err := a.Store.ConsumePending(ctx, params.State)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("could not load pending authorization: %w", err)
	}

	if params.Error != "" {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationRequest, &OauthError{
			Code:        params.Error,
			Description: params.ErrorDescription,
		})
	}

	if params.Iss != "" && params.Iss != pending.AuthorizationServer {
		a.logger.Warn("callback issuer mismatch", "expected", pending.AuthorizationServer, "got", params.Iss)
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidState)
	}

	if params.Code == "" {
		return nil, fmt.Errorf("%w: callback carried no code", ErrAuthorizationRequest)
	}

	dpopKey, err := GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("could not generate dpop key: %w", err)
	}

	dpopKeyJson, err := json.Marshal(dpopKey)
	if err != nil {
		return nil, fmt.Errorf("could not marshal dpop key: %w", err)
	}

	tokens, err := a.Client.InitialTokenRequest(ctx, pending, params.Code, dpopKey)
	if err != nil {
		return nil, err
	}

	if err := tokens.validate(pending.Did); err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			identityMismatches.Inc()
			a.logger.Error("token subject does not match resolved identity", "did", pending.Did, "sub", tokens.Sub, "authServer", pending.AuthorizationServer)
		}
		return nil, err
	}

	profile := a.fetchProfile(ctx, pending.Did, pending.PdsUrl)

	sessionId, err := helpers.GenerateURLToken(32)
	if err != nil {
		return nil, fmt.Errorf("could not generate session id: %w", err)
	}

	now := a.now()
	sess := Session{
		ID:                  sessionId,
		Did:                 pending.Did,
		Handle:              pending.Handle,
		DisplayName:         profile.DisplayName,
		Description:         profile.Description,
		AvatarUrl:           profile.AvatarUrl,
		PdsUrl:              pending.PdsUrl,
		AuthserverIss:       pending.AuthorizationServer,
		TokenEndpoint:       pending.TokenEndpoint,
		RevocationEndpoint:  pending.RevocationEndpoint,
		Scope:               tokens.Scope,
		AccessToken:         tokens.AccessToken,
		RefreshToken:        tokens.RefreshToken,
		DpopPrivateJwk:      string(dpopKeyJson),
		DpopAuthserverNonce: tokens.DpopAuthserverNonce,
		ExpiresAt:           tokens.Expiry(now),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := a.Store.SaveSession(ctx, sess, a.Policy.SessionTTL); err != nil {
		return nil, fmt.Errorf("could not save session: %w", err)
	}

	if a.Users != nil {
		err := a.Users.UpsertUser(ctx, UserUpsert{
			Did:         sess.Did,
			Handle:      sess.Handle,
			DisplayName: sess.DisplayName,
			AvatarUrl:   sess.AvatarUrl,
			PdsUrl:      sess.PdsUrl,
			SyncedAt:    now,
		})
		if err != nil {
			a.logger.Warn("failed to upsert user record", "did", sess.Did, "err", err)
		}
	}

	a.logger.Info("login completed", "did", sess.Did, "authServer", sess.AuthserverIss)

	return &LoginResult{
		SessionID: sess.ID,
		User:      sess.User(),
		ReturnUrl: pending.ReturnUrl,
	}, nil
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAuthorizationRequest):
		return "authorization_denied"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrNonceRetryExhausted):
		return "nonce_exhausted"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange_failed"
	}
	return "internal_error"
}
