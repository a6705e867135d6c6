package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	assert := assert.New(t)
	p := DefaultSessionPolicy()

	assert.Equal(5*time.Second, p.backoff(0))
	assert.Equal(10*time.Second, p.backoff(1))
	assert.Equal(40*time.Second, p.backoff(3))
	assert.Equal(10*time.Minute, p.backoff(10))
	assert.Equal(10*time.Minute, p.backoff(64))
}

func TestGetFreshSessionDoesNotRefresh(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	sess, err := w.app.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-1", sess.AccessToken)
	assert.Equal(1, w.auth.tokenCalls())

	_, err = w.app.Get(context.Background(), "no-such-session")
	assert.ErrorIs(err, ErrSessionNotFound)
	assert.True(IsUnauthorized(err))
}

func TestGetRefreshesNearExpiry(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	before, err := w.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)

	w.clock.Advance(56 * time.Minute)

	sess, err := w.app.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-2", sess.AccessToken)
	assert.Equal("refresh-2", sess.RefreshToken)
	assert.WithinDuration(w.clock.Now().Add(time.Hour), sess.ExpiresAt, time.Second)
	assert.Equal(2, w.auth.tokenCalls())

	stored, err := w.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-2", stored.AccessToken)
	assert.Equal("refresh-2", stored.RefreshToken)

	// the refresh was proven with the key bound at login, and that key is kept
	assert.Equal(before.DpopPrivateJwk, stored.DpopPrivateJwk)
	bound, err := keyThumbprint([]byte(stored.DpopPrivateJwk))
	require.NoError(t, err)
	w.auth.set(func(s *fakeAuthServer) {
		assert.Equal(bound, s.jkt)
		assert.Zero(s.keyMismatches)
	})
}

func TestRefreshWithForeignKeyIsRejected(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)
	ctx := context.Background()

	other, err := GenerateKey(nil)
	require.NoError(t, err)
	otherJson, err := json.Marshal(other)
	require.NoError(t, err)

	_, err = w.store.UpdateSession(ctx, res.SessionID, time.Hour, func(s *Session) error {
		s.DpopPrivateJwk = string(otherJson)
		return nil
	})
	require.NoError(t, err)

	w.clock.Advance(2 * time.Hour)

	_, err = w.app.Get(ctx, res.SessionID)
	var le *RefreshLockedError
	assert.True(errors.As(err, &le))
	assert.Equal(2, w.auth.tokenCalls())
	w.auth.set(func(s *fakeAuthServer) { assert.Equal(1, s.keyMismatches) })
}

func TestConcurrentRefreshIsExclusive(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	// a second app on the same store stands in for another process
	other, err := NewClientApp(ClientAppArgs{
		Client:    w.client,
		Resolver:  w.resolver,
		Store:     w.store,
		Policy:    &w.app.Policy,
		PdsClient: w.net.Client(),
	})
	require.NoError(t, err)
	other.now = w.clock.Now

	w.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	results := make([]*Session, 20)
	errs := make([]error, 20)

	for i := range 20 {
		app := w.app
		if i%2 == 1 {
			app = other
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = app.Get(context.Background(), res.SessionID)
		}()
	}
	wg.Wait()

	assert.Equal(2, w.auth.tokenCalls())
	for i := range 20 {
		require.NoError(t, errs[i])
		assert.Equal("access-2", results[i].AccessToken)
		assert.Equal("refresh-2", results[i].RefreshToken)
	}

	claimed, err := w.store.RefreshClaimed(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.False(claimed)
}

func TestRefreshFailureBacksOff(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)
	ctx := context.Background()

	w.auth.set(func(s *fakeAuthServer) { s.failRefresh = true })
	w.clock.Advance(2 * time.Hour)

	_, err := w.app.Get(ctx, res.SessionID)
	assert.ErrorIs(err, ErrRefresh)
	assert.False(IsUnauthorized(err))

	var le *RefreshLockedError
	require.True(t, errors.As(err, &le))
	assert.Equal(w.clock.Now().Add(5*time.Second), le.Until)

	wait, ok := RetryAfter(err, w.clock.Now())
	assert.True(ok)
	assert.Equal(5*time.Second, wait)

	// locked: no upstream call
	_, err = w.app.Get(ctx, res.SessionID)
	assert.ErrorIs(err, ErrRefresh)
	assert.Equal(2, w.auth.tokenCalls())

	w.clock.Advance(6 * time.Second)

	_, err = w.app.Get(ctx, res.SessionID)
	require.True(t, errors.As(err, &le))
	assert.Equal(w.clock.Now().Add(10*time.Second), le.Until)
	assert.Equal(3, w.auth.tokenCalls())

	sess, err := w.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(2, sess.RefreshFailures)

	// recovery resets the counter
	w.auth.set(func(s *fakeAuthServer) { s.failRefresh = false })
	w.clock.Advance(11 * time.Second)

	sess, err = w.app.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(0, sess.RefreshFailures)
	assert.Nil(sess.RefreshLockedUntil)
	assert.Equal("refresh-4", sess.RefreshToken)
}

func TestRefreshFailureCeilingDeletesSession(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)
	ctx := context.Background()

	w.auth.set(func(s *fakeAuthServer) { s.failRefresh = true })
	w.clock.Advance(2 * time.Hour)

	var err error
	for i := range 5 {
		_, err = w.app.Get(ctx, res.SessionID)
		if i < 4 {
			assert.ErrorIs(err, ErrRefresh)
			assert.False(IsUnauthorized(err))
		}
		w.clock.Advance(w.app.Policy.BackoffCap)
	}

	assert.ErrorIs(err, ErrSessionExpired)
	assert.True(IsUnauthorized(err))
	_, ok := RetryAfter(err, w.clock.Now())
	assert.False(ok)
	assert.Equal(6, w.auth.tokenCalls())

	_, err = w.app.Get(ctx, res.SessionID)
	assert.ErrorIs(err, ErrSessionNotFound)
}

func TestInvalidGrantIsTerminal(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	w.auth.set(func(s *fakeAuthServer) { s.refreshToken = "revoked-elsewhere" })
	w.clock.Advance(2 * time.Hour)

	_, err := w.app.Get(context.Background(), res.SessionID)
	assert.ErrorIs(err, ErrSessionExpired)
	assert.True(isOauthErrorCode(err, "invalid_grant"))

	_, err = w.store.GetSession(context.Background(), res.SessionID)
	assert.ErrorIs(err, ErrSessionNotFound)
}

func TestRefreshSubjectChangeIsTerminal(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	w.auth.set(func(s *fakeAuthServer) { s.sub = "did:plc:mallorymallorymallory" })

	_, err := w.app.GetOrRefresh(context.Background(), res.SessionID, true)
	assert.ErrorIs(err, ErrIdentityMismatch)
	assert.ErrorIs(err, ErrSessionExpired)

	_, err = w.store.GetSession(context.Background(), res.SessionID)
	assert.ErrorIs(err, ErrSessionNotFound)
}

func TestProactiveRefreshFailureServesValidToken(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	w.auth.set(func(s *fakeAuthServer) { s.failRefresh = true })
	w.clock.Advance(56 * time.Minute)

	sess, err := w.app.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-1", sess.AccessToken)

	// locked but still valid: served without another attempt
	sess, err = w.app.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-1", sess.AccessToken)
	assert.Equal(2, w.auth.tokenCalls())
}

func TestLogout(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)

	require.NoError(t, w.app.Logout(context.Background(), res.SessionID))

	require.Len(t, w.auth.revocations, 1)
	assert.Equal("refresh-1", w.auth.revocations[0].Get("token"))
	assert.Equal("refresh_token", w.auth.revocations[0].Get("token_type_hint"))

	_, err := w.app.Get(context.Background(), res.SessionID)
	assert.ErrorIs(err, ErrSessionNotFound)

	// unknown sessions log out cleanly
	assert.NoError(w.app.Logout(context.Background(), res.SessionID))
}

func TestLogoutSurvivesRevocationFailure(t *testing.T) {
	w := newTestWorld(t)
	res := w.login(t)
	w.auth.set(func(s *fakeAuthServer) { s.failRevoke = true })

	require.NoError(t, w.app.Logout(context.Background(), res.SessionID))

	_, err := w.store.GetSession(context.Background(), res.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweep(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	ctx := context.Background()

	w.startLogin(t)
	w.clock.Advance(11 * time.Minute)
	fresh := w.startLogin(t)

	now := w.clock.Now()
	lockedUntil := now.Add(time.Minute)
	for _, sess := range []Session{
		{ID: "healthy", Did: aliceDid, ExpiresAt: now.Add(time.Hour)},
		{ID: "recently-expired", Did: aliceDid, ExpiresAt: now.Add(-24 * time.Hour)},
		{ID: "abandoned", Did: aliceDid, ExpiresAt: now.Add(-31 * 24 * time.Hour)},
		{ID: "exhausted", Did: aliceDid, ExpiresAt: now.Add(-time.Hour), RefreshFailures: 5},
		{ID: "exhausted-locked", Did: aliceDid, ExpiresAt: now.Add(-time.Hour), RefreshFailures: 5, RefreshLockedUntil: &lockedUntil},
	} {
		require.NoError(t, w.app.StoreSession(ctx, sess))
	}

	res, err := w.app.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(1, res.Pending)
	assert.Equal(2, res.Sessions)

	for id, live := range map[string]bool{
		"healthy":          true,
		"recently-expired": true,
		"abandoned":        false,
		"exhausted":        false,
		"exhausted-locked": true,
	} {
		_, err := w.store.GetSession(ctx, id)
		if live {
			assert.NoError(err, id)
		} else {
			assert.ErrorIs(err, ErrSessionNotFound, id)
		}
	}

	_, err = w.store.ConsumePending(ctx, fresh.State)
	assert.NoError(err)
}

func TestAuthedRequestPersistsPdsNonce(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)
	w.pds.nonce = "pds-nonce-1"

	target := alicePds + "/xrpc/app.bsky.actor.getProfile?actor=" + aliceDid

	resp, err := w.app.AuthedRequest(context.Background(), res.SessionID, "GET", target, nil, "")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode, string(b))
	assert.Equal(2, w.pds.proofs())

	sess, err := w.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("pds-nonce-1", sess.DpopPdsNonce)

	resp, err = w.app.AuthedRequest(context.Background(), res.SessionID, "GET", target, nil, "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(3, w.pds.proofs())
}

func TestAuthedRequestRefreshesRejectedToken(t *testing.T) {
	assert := assert.New(t)
	w := newTestWorld(t)
	res := w.login(t)
	w.pds.rejectToken = "access-1"

	resp, err := w.app.AuthedRequest(context.Background(), res.SessionID, "GET", alicePds+"/xrpc/app.bsky.actor.getProfile?actor="+aliceDid, nil, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(2, w.auth.tokenCalls())
	assert.Equal(2, w.pds.proofs())

	sess, err := w.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal("access-2", sess.AccessToken)
}

func TestRetryAfter(t *testing.T) {
	assert := assert.New(t)
	now := time.Now()

	wait, ok := RetryAfter(&RefreshLockedError{Until: now.Add(time.Minute)}, now)
	assert.True(ok)
	assert.Equal(time.Minute, wait)

	wait, ok = RetryAfter(fmt.Errorf("%w: claim timed out", ErrRefresh), now)
	assert.True(ok)
	assert.Equal(time.Second, wait)

	_, ok = RetryAfter(ErrSessionNotFound, now)
	assert.False(ok)

	_, ok = RetryAfter(errors.New("boom"), now)
	assert.False(ok)
}
