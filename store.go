package oauth

import (
	"context"
	"time"
)

// PendingAuthorization is the state of one in-flight login, keyed by State and consumed exactly once.
type PendingAuthorization struct {
	State               string    `json:"state"`
	CodeVerifier        string    `json:"code_verifier"`
	Did                 string    `json:"did"`
	Handle              string    `json:"handle"`
	PdsUrl              string    `json:"pds_url"`
	AuthorizationServer string    `json:"authorization_server"`
	TokenEndpoint       string    `json:"token_endpoint"`
	RevocationEndpoint  string    `json:"revocation_endpoint,omitempty"`
	ReturnUrl           string    `json:"return_url,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Session is an authenticated session. AccessToken, RefreshToken and ExpiresAt always change together.
type Session struct {
	ID                  string     `json:"id"`
	Did                 string     `json:"did"`
	Handle              string     `json:"handle"`
	DisplayName         string     `json:"display_name,omitempty"`
	Description         string     `json:"description,omitempty"`
	AvatarUrl           string     `json:"avatar_url,omitempty"`
	PdsUrl              string     `json:"pds_url"`
	AuthserverIss       string     `json:"authserver_iss"`
	TokenEndpoint       string     `json:"token_endpoint"`
	RevocationEndpoint  string     `json:"revocation_endpoint,omitempty"`
	Scope               string     `json:"scope"`
	AccessToken         string     `json:"access_token"`
	RefreshToken        string     `json:"refresh_token"`
	DpopPrivateJwk      string     `json:"dpop_private_jwk"`
	DpopAuthserverNonce string     `json:"dpop_authserver_nonce,omitempty"`
	DpopPdsNonce        string     `json:"dpop_pds_nonce,omitempty"`
	ExpiresAt           time.Time  `json:"expires_at"`
	RefreshFailures     int        `json:"refresh_failures"`
	RefreshLockedUntil  *time.Time `json:"refresh_locked_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// User is the public view of a session's account.
type User struct {
	Did         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
}

func (s *Session) User() User {
	dn := s.DisplayName
	if dn == "" {
		dn = s.Handle
	}

	return User{
		Did:         s.Did,
		Handle:      s.Handle,
		DisplayName: dn,
		AvatarUrl:   s.AvatarUrl,
	}
}

// SessionStore persists pending authorizations and sessions. Implementations must be safe for
// concurrent use, and ClaimRefresh must be an atomic conditional write: of any number of
// concurrent callers for the same session id, at most one gets a claim until it is released
// or its ttl lapses. ReleaseRefresh only removes the claim named by token, so a holder that
// outlived its ttl cannot release a later holder's claim.
type SessionStore interface {
	SavePending(ctx context.Context, p PendingAuthorization, ttl time.Duration) error
	// ConsumePending atomically reads and deletes. Returns ErrInvalidState when absent or expired.
	ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error)
	DeletePending(ctx context.Context, state string) error
	SweepPending(ctx context.Context, olderThan time.Time) (int, error)

	// GetSession returns ErrSessionNotFound when absent.
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, sess Session, ttl time.Duration) error
	// UpdateSession applies fn to the current stored value and writes the result as one record.
	UpdateSession(ctx context.Context, id string, ttl time.Duration, fn func(*Session) error) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Session, error)

	// ClaimRefresh returns the claim token and true when the caller now holds the claim.
	ClaimRefresh(ctx context.Context, id string, ttl time.Duration) (string, bool, error)
	RefreshClaimed(ctx context.Context, id string) (bool, error)
	ReleaseRefresh(ctx context.Context, id, token string) error
}

// UserRecorder is the durable, cross-session account store.
type UserRecorder interface {
	UpsertUser(ctx context.Context, u UserUpsert) error
	TouchUser(ctx context.Context, did string, at time.Time) error
}

type UserUpsert struct {
	Did         string
	Handle      string
	DisplayName string
	AvatarUrl   string
	PdsUrl      string
	SyncedAt    time.Time
}
