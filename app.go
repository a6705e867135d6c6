package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionPolicy holds the tunable timing of the session lifecycle. None of the values is a
// protocol requirement.
type SessionPolicy struct {
	// ttl of a pending authorization
	PendingTTL time.Duration
	// ttl of a session record in the store, reset on every write
	SessionTTL time.Duration
	// sessions whose access token expired longer ago than this are swept
	GraceWindow time.Duration
	// refresh proactively when the access token expires within this window
	RefreshThreshold time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// consecutive refresh failures after which the session is terminal
	MaxRefreshFailures int
	// upper bound on how long a refresh claim may be held
	RefreshClaimTTL time.Duration
	// how often a caller that lost the refresh claim checks for the winner's result
	RefreshPollInterval time.Duration
}

func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		PendingTTL:          10 * time.Minute,
		SessionTTL:          30 * 24 * time.Hour,
		GraceWindow:         30 * 24 * time.Hour,
		RefreshThreshold:    5 * time.Minute,
		BackoffBase:         5 * time.Second,
		BackoffCap:          10 * time.Minute,
		MaxRefreshFailures:  5,
		RefreshClaimTTL:     30 * time.Second,
		RefreshPollInterval: 100 * time.Millisecond,
	}
}

// backoff is min(2^failures * base, cap)
func (p SessionPolicy) backoff(failures int) time.Duration {
	if failures > 30 {
		return p.BackoffCap
	}

	d := p.BackoffBase * time.Duration(1<<failures)
	if d <= 0 || d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

// ClientApp runs the login flow and owns the session lifecycle.
type ClientApp struct {
	Client   *Client
	Resolver *Resolver
	Store    SessionStore
	// optional
	Users  UserRecorder
	Policy SessionPolicy

	// used for the best-effort profile lookup during login
	pdsClient *http.Client
	refreshes singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
}

type ClientAppArgs struct {
	Client   *Client
	Resolver *Resolver
	Store    SessionStore
	Users    UserRecorder
	Policy   *SessionPolicy
	// client used for unauthenticated PDS reads, defaults to a 10s timeout client
	PdsClient *http.Client
	Logger    *slog.Logger
}

func NewClientApp(args ClientAppArgs) (*ClientApp, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Resolver == nil {
		return nil, fmt.Errorf("no resolver provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no session store provided")
	}

	policy := DefaultSessionPolicy()
	if args.Policy != nil {
		policy = *args.Policy
	}

	if policy.MaxRefreshFailures <= 0 {
		return nil, fmt.Errorf("max refresh failures must be positive")
	}

	if args.PdsClient == nil {
		args.PdsClient = &http.Client{Timeout: defaultHopTimeout}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &ClientApp{
		Client:    args.Client,
		Resolver:  args.Resolver,
		Store:     args.Store,
		Users:     args.Users,
		Policy:    policy,
		pdsClient: args.PdsClient,
		logger:    args.Logger,
		now:       time.Now,
	}, nil
}
