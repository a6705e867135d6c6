package oauth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nonceChallenge(issued string) *dpopResponse {
	return &dpopResponse{
		StatusCode: http.StatusBadRequest,
		Header:     http.Header{},
		Body:       []byte(`{"error":"use_dpop_nonce"}`),
		Nonce:      issued,
		Issued:     issued,
	}
}

func TestWithNonceRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("first attempt accepted", func(t *testing.T) {
		assert := assert.New(t)
		var nonces []string

		resp, err := withNonceRetry(ctx, "held", func(ctx context.Context, nonce string) (*dpopResponse, error) {
			nonces = append(nonces, nonce)
			return &dpopResponse{StatusCode: http.StatusOK, Nonce: nonce}, nil
		})
		assert.NoError(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal([]string{"held"}, nonces)
	})

	t.Run("one retry with the issued nonce", func(t *testing.T) {
		assert := assert.New(t)
		var nonces []string

		resp, err := withNonceRetry(ctx, "", func(ctx context.Context, nonce string) (*dpopResponse, error) {
			nonces = append(nonces, nonce)
			if nonce == "" {
				return nonceChallenge("fresh"), nil
			}
			return &dpopResponse{StatusCode: http.StatusOK, Nonce: nonce}, nil
		})
		assert.NoError(err)
		assert.Equal("fresh", resp.Nonce)
		assert.Equal([]string{"", "fresh"}, nonces)
	})

	t.Run("second challenge is terminal", func(t *testing.T) {
		assert := assert.New(t)
		calls := 0

		_, err := withNonceRetry(ctx, "", func(ctx context.Context, nonce string) (*dpopResponse, error) {
			calls++
			return nonceChallenge("n"), nil
		})
		assert.ErrorIs(err, ErrNonceRetryExhausted)
		assert.Equal(2, calls)
	})

	t.Run("challenge without a nonce", func(t *testing.T) {
		calls := 0

		_, err := withNonceRetry(ctx, "", func(ctx context.Context, nonce string) (*dpopResponse, error) {
			calls++
			return nonceChallenge(""), nil
		})
		assert.ErrorIs(t, err, ErrNonceRetryExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("resource server challenge", func(t *testing.T) {
		resp := &dpopResponse{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{"Www-Authenticate": {`DPoP error="use_dpop_nonce"`}},
		}
		assert.True(t, resp.needsNonce())

		resp.StatusCode = http.StatusForbidden
		assert.False(t, resp.needsNonce())
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := withNonceRetry(ctx, "", func(ctx context.Context, nonce string) (*dpopResponse, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestTokenExchangeNonceRetry(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	w.auth.set(func(s *fakeAuthServer) { s.nonce = "auth-nonce-1" })

	res := w.login(t)
	assert.Equal(2, w.auth.tokenCalls())

	sess, err := w.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("auth-nonce-1", sess.DpopAuthserverNonce)

	// the held nonce is used up front on refresh
	_, err = w.app.GetOrRefresh(context.Background(), res.SessionID, true)
	require.NoError(t, err)
	assert.Equal(3, w.auth.tokenCalls())
}

func TestTokenExchangeNonceExhausted(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	w.auth.set(func(s *fakeAuthServer) { s.alwaysNonce = true })

	start := w.startLogin(t)

	_, err := w.app.HandleCallback(context.Background(), CallbackParams{
		Code:  "valid-code",
		State: start.State,
		Iss:   w.auth.issuer,
	})
	assert.ErrorIs(err, ErrNonceRetryExhausted)
	assert.Equal(2, w.auth.tokenCalls())

	sessions, err := w.store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(sessions)
}

func TestTokenResponseValidate(t *testing.T) {
	assert := assert.New(t)

	good := TokenResponse{AccessToken: "a", TokenType: "DPoP", Scope: "atproto transition:generic", Sub: aliceDid}
	assert.NoError(good.validate(aliceDid))

	bearer := good
	bearer.TokenType = "Bearer"
	assert.ErrorIs(bearer.validate(aliceDid), ErrTokenExchange)

	noScope := good
	noScope.Scope = "transition:generic"
	assert.ErrorIs(noScope.validate(aliceDid), ErrTokenExchange)

	other := good
	other.Sub = "did:plc:mallory"
	assert.ErrorIs(other.validate(aliceDid), ErrIdentityMismatch)
}
