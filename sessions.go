package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RefreshLockedError is returned while a session is backing off after failed refreshes. It wraps
// ErrRefresh and is recoverable: the caller should retry after Until.
type RefreshLockedError struct {
	Until time.Time
	Err   error
}

func (e *RefreshLockedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s until %s: %s", ErrRefresh, e.Until.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("%s until %s", ErrRefresh, e.Until.Format(time.RFC3339))
}

func (e *RefreshLockedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRefresh, e.Err}
	}
	return []error{ErrRefresh}
}

// RetryAfter returns how long a caller should wait before retrying after a recoverable refresh
// failure. ok is false for any other error.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	if !errors.Is(err, ErrRefresh) || IsUnauthorized(err) {
		return 0, false
	}

	var le *RefreshLockedError
	if errors.As(err, &le) && le.Until.After(now) {
		return le.Until.Sub(now), true
	}

	return time.Second, true
}

var errRefreshRaced = errors.New("session tokens changed during refresh")

func (a *ClientApp) needsRefresh(sess *Session, now time.Time) bool {
	return sess.ExpiresAt.Sub(now) < a.Policy.RefreshThreshold
}

func refreshLocked(sess *Session, now time.Time) bool {
	return sess.RefreshLockedUntil != nil && now.Before(*sess.RefreshLockedUntil)
}

// Get returns the session, refreshing it first when the access token is about to expire. If the
// proactive refresh fails but the access token is still valid the current session is returned.
func (a *ClientApp) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := a.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if !a.needsRefresh(sess, now) {
		return sess, nil
	}

	if refreshLocked(sess, now) {
		if now.Before(sess.ExpiresAt) {
			return sess, nil
		}
		return nil, &RefreshLockedError{Until: *sess.RefreshLockedUntil}
	}

	refreshed, err := a.GetOrRefresh(ctx, id, false)
	if err != nil {
		if !IsUnauthorized(err) && now.Before(sess.ExpiresAt) {
			a.logger.Warn("proactive refresh failed, serving current token", "session", id, "did", sess.Did, "err", err)
			return sess, nil
		}
		return nil, err
	}

	return refreshed, nil
}

// GetOrRefresh refreshes the session if it needs it (or unconditionally with force) while
// guaranteeing at most one upstream refresh per session at a time. Callers in this process share
// one flight, callers in other processes are arbitrated by the store's refresh claim.
func (a *ClientApp) GetOrRefresh(ctx context.Context, id string, force bool) (*Session, error) {
	key := id
	if force {
		key = "force:" + id
	}

	ch := a.refreshes.DoChan(key, func() (any, error) {
		// the flight outlives any single caller's cancellation
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Policy.RefreshClaimTTL)
		defer cancel()
		return a.refresh(fctx, id, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sess := *res.Val.(*Session)
		return &sess, nil
	}
}

func (a *ClientApp) refresh(ctx context.Context, id string, force bool) (*Session, error) {
	sess, err := a.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if !force && !a.needsRefresh(sess, now) {
		return sess, nil
	}

	if refreshLocked(sess, now) {
		return nil, &RefreshLockedError{Until: *sess.RefreshLockedUntil}
	}

	claim, claimed, err := a.Store.ClaimRefresh(ctx, id, a.Policy.RefreshClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: could not claim refresh: %w", ErrRefresh, err)
	}

	if !claimed {
		refreshWaits.Inc()
		return a.awaitRefresh(ctx, id, sess)
	}
	defer func() {
		if err := a.Store.ReleaseRefresh(context.WithoutCancel(ctx), id, claim); err != nil {
			a.logger.Warn("failed to release refresh claim", "session", id, "err", err)
		}
	}()

	// re-read under the claim, another process may have refreshed since our first read
	cur, err := a.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if cur.RefreshToken != sess.RefreshToken {
		return cur, nil
	}

	if !force && !a.needsRefresh(cur, a.now()) {
		return cur, nil
	}

	tokens, err := a.Client.RefreshTokenRequest(ctx, cur)
	if err != nil {
		return nil, a.refreshFailed(ctx, cur, err)
	}

	updated, err := a.Store.UpdateSession(ctx, id, a.Policy.SessionTTL, func(s *Session) error {
		if s.RefreshToken != cur.RefreshToken {
			return errRefreshRaced
		}

		now := a.now()
		s.AccessToken = tokens.AccessToken
		s.RefreshToken = tokens.RefreshToken
		s.ExpiresAt = tokens.Expiry(now)
		if tokens.Scope != "" {
			s.Scope = tokens.Scope
		}
		s.DpopAuthserverNonce = tokens.DpopAuthserverNonce
		s.RefreshFailures = 0
		s.RefreshLockedUntil = nil
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, errRefreshRaced) {
			a.logger.Error("session tokens changed while holding the refresh claim", "session", id, "did", cur.Did)
			return a.Store.GetSession(ctx, id)
		}
		return nil, fmt.Errorf("%w: could not store refreshed tokens: %w", ErrRefresh, err)
	}

	refreshesTotal.WithLabelValues("success").Inc()
	a.logger.Debug("refreshed session", "session", id, "did", updated.Did)

	return updated, nil
}

// awaitRefresh waits for the process holding the claim to finish and returns whatever it wrote.
func (a *ClientApp) awaitRefresh(ctx context.Context, id string, stale *Session) (*Session, error) {
	t := time.NewTicker(a.Policy.RefreshPollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: timed out waiting for concurrent refresh", ErrRefresh)
		case <-t.C:
		}

		claimed, err := a.Store.RefreshClaimed(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefresh, err)
		}

		if claimed {
			continue
		}

		cur, err := a.Store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}

		if cur.RefreshToken != stale.RefreshToken {
			return cur, nil
		}

		if refreshLocked(cur, a.now()) {
			return nil, &RefreshLockedError{Until: *cur.RefreshLockedUntil}
		}

		return nil, fmt.Errorf("%w: concurrent refresh did not complete", ErrRefresh)
	}
}

// refreshFailed records a failed refresh and returns the error to hand to callers. Terminal
// failures and failures past the ceiling delete the session.
func (a *ClientApp) refreshFailed(ctx context.Context, sess *Session, cause error) error {
	terminal := isOauthErrorCode(cause, "invalid_grant") || errors.Is(cause, ErrIdentityMismatch)

	if errors.Is(cause, ErrIdentityMismatch) {
		identityMismatches.Inc()
		a.logger.Error("refresh returned a different subject", "session", sess.ID, "did", sess.Did, "err", cause)
	}

	var failures int
	var lockedUntil time.Time
	if !terminal {
		updated, err := a.Store.UpdateSession(ctx, sess.ID, a.Policy.SessionTTL, func(s *Session) error {
			now := a.now()
			lockedUntil = now.Add(a.Policy.backoff(s.RefreshFailures))
			s.RefreshFailures++
			s.RefreshLockedUntil = &lockedUntil
			s.UpdatedAt = now
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return ErrSessionNotFound
			}
			a.logger.Error("failed to record refresh failure", "session", sess.ID, "err", err)
			return fmt.Errorf("%w: %w", ErrRefresh, cause)
		}
		failures = updated.RefreshFailures
	}

	if terminal || failures >= a.Policy.MaxRefreshFailures {
		refreshesTotal.WithLabelValues("terminal").Inc()
		a.logger.Warn("session refresh failed permanently, removing session", "session", sess.ID, "did", sess.Did, "failures", failures, "err", cause)

		if err := a.Store.DeleteSession(ctx, sess.ID); err != nil {
			a.logger.Error("failed to delete exhausted session", "session", sess.ID, "err", err)
		}
		return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}

	refreshesTotal.WithLabelValues("failed").Inc()
	a.logger.Warn("session refresh failed", "session", sess.ID, "did", sess.Did, "failures", failures, "lockedUntil", lockedUntil, "err", cause)

	return &RefreshLockedError{Until: lockedUntil, Err: cause}
}

// StoreSession writes a session with the configured ttl.
func (a *ClientApp) StoreSession(ctx context.Context, sess Session) error {
	return a.Store.SaveSession(ctx, sess, a.Policy.SessionTTL)
}

func (a *ClientApp) DeleteSession(ctx context.Context, id string) error {
	return a.Store.DeleteSession(ctx, id)
}

// Logout revokes the session's refresh token if it can and deletes the session. Revocation
// failures are logged and otherwise ignored.
func (a *ClientApp) Logout(ctx context.Context, id string) error {
	sess, err := a.Store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	revocation := "skipped"
	if sess.RevocationEndpoint != "" {
		rctx, cancel := context.WithTimeout(ctx, defaultHopTimeout)
		if err := a.Client.RevokeToken(rctx, sess); err != nil {
			revocation = "failed"
			a.logger.Info("token revocation failed during logout", "session", id, "did", sess.Did, "err", err)
		} else {
			revocation = "ok"
		}
		cancel()
	}
	logouts.WithLabelValues(revocation).Inc()

	if err := a.Store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("could not delete session: %w", err)
	}

	a.logger.Info("logged out", "session", id, "did", sess.Did)
	return nil
}

type SweepResult struct {
	Pending  int
	Sessions int
}

// Sweep removes expired pending authorizations, sessions past the refresh grace window and
// sessions that exhausted their refresh attempts.
func (a *ClientApp) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := a.now()

	n, err := a.Store.SweepPending(ctx, now.Add(-a.Policy.PendingTTL))
	if err != nil {
		return res, fmt.Errorf("sweeping pending authorizations: %w", err)
	}
	res.Pending = n

	sessions, err := a.Store.ListSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("listing sessions: %w", err)
	}

	for i := range sessions {
		sess := &sessions[i]

		pastGrace := sess.ExpiresAt.Add(a.Policy.GraceWindow).Before(now)
		exhausted := sess.RefreshFailures >= a.Policy.MaxRefreshFailures && !refreshLocked(sess, now)
		if !pastGrace && !exhausted {
			continue
		}

		if err := a.Store.DeleteSession(ctx, sess.ID); err != nil {
			a.logger.Warn("failed to sweep session", "session", sess.ID, "err", err)
			continue
		}
		res.Sessions++
	}

	sessionsSwept.WithLabelValues("pending").Add(float64(res.Pending))
	sessionsSwept.WithLabelValues("session").Add(float64(res.Sessions))

	return res, nil
}

// Run sweeps on every tick until ctx is done.
func (a *ClientApp) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		res, err := a.Sweep(ctx)
		if err != nil {
			a.logger.Error("sweep failed", "err", err)
			continue
		}

		if res.Pending > 0 || res.Sessions > 0 {
			a.logger.Info("swept expired records", "pending", res.Pending, "sessions", res.Sessions)
		}
	}
}

// AuthedRequest sends a DPoP authenticated request to the session's PDS. The PDS nonce is saved
// back to the session, and an invalid_token rejection triggers one refresh and one more attempt.
// The caller closes the response body.
func (a *ClientApp) AuthedRequest(ctx context.Context, id, method, reqUrl string, body []byte, contentType string) (*http.Response, error) {
	sess, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp, err := a.authedRequest(ctx, sess, method, reqUrl, body, contentType)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !tokenRejected(resp) {
		return resp, nil
	}
	resp.Body.Close()

	sess, err = a.GetOrRefresh(ctx, id, true)
	if err != nil {
		return nil, err
	}

	return a.authedRequest(ctx, sess, method, reqUrl, body, contentType)
}

func (a *ClientApp) authedRequest(ctx context.Context, sess *Session, method, reqUrl string, body []byte, contentType string) (*http.Response, error) {
	resp, nonce, err := a.Client.AuthedRequest(ctx, sess, method, reqUrl, body, contentType)
	if err != nil {
		return nil, err
	}

	if nonce != "" && nonce != sess.DpopPdsNonce {
		_, err := a.Store.UpdateSession(ctx, sess.ID, a.Policy.SessionTTL, func(s *Session) error {
			s.DpopPdsNonce = nonce
			return nil
		})
		if err != nil {
			a.logger.Warn("failed to save pds nonce", "session", sess.ID, "err", err)
		}
	}

	return resp, nil
}

func tokenRejected(resp *http.Response) bool {
	wa := resp.Header.Get("WWW-Authenticate")
	return wa == "" || strings.Contains(strings.ToLower(wa), "invalid_token")
}

// Touch records account activity in the background.
func (a *ClientApp) Touch(did string) {
	if a.Users == nil {
		return
	}

	at := a.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.Users.TouchUser(ctx, did, at); err != nil {
			a.logger.Debug("failed to touch user", "did", did, "err", err)
		}
	}()
}
