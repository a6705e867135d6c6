package oauth

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	aliceHandle = "alice.example.com"
	aliceDid    = "did:web:example.com:alice"
	alicePds    = "https://pds.example.com"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testWorld is alice's corner of the network: a handle served over https, a did:web document,
// a PDS and its authorization server, plus an app wired to all of it.
type testWorld struct {
	net      *testNet
	dns      staticTXT
	auth     *fakeAuthServer
	pds      *fakePds
	resolver *Resolver
	client   *Client
	store    *MemStore
	app      *ClientApp
	clock    *testClock
}

func newTestWorld(t *testing.T) *testWorld {
	n := newTestNet()
	auth := newFakeAuthServer(t, aliceDid)
	pds := &fakePds{authServer: auth.issuer, did: aliceDid}

	n.Handle("auth.example.com", auth)
	n.Handle("pds.example.com", pds)
	n.Handle("alice.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/atproto-did" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(aliceDid + "\n"))
	}))
	n.Handle("example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/alice/did.json" {
			http.NotFound(w, r)
			return
		}
		writeJson(w, http.StatusOK, didDocumentFor(aliceDid, aliceHandle, alicePds))
	}))

	dns := staticTXT{}
	retries := 0
	resolver := NewResolver(ResolverArgs{H: n.Client(), DNS: dns, Retries: &retries})

	client, err := NewClient(ClientArgs{
		H:           n.Client(),
		ClientId:    "https://app.example.com/oauth/client-metadata.json",
		RedirectUri: "https://app.example.com/oauth/callback",
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	store := NewMemStore()
	store.now = clock.Now

	policy := DefaultSessionPolicy()
	policy.RefreshPollInterval = 5 * time.Millisecond

	app, err := NewClientApp(ClientAppArgs{
		Client:    client,
		Resolver:  resolver,
		Store:     store,
		Policy:    &policy,
		PdsClient: n.Client(),
	})
	require.NoError(t, err)
	app.now = clock.Now

	return &testWorld{
		net:      n,
		dns:      dns,
		auth:     auth,
		pds:      pds,
		resolver: resolver,
		client:   client,
		store:    store,
		app:      app,
		clock:    clock,
	}
}

// startLogin runs the login up to the redirect and returns the issued state.
func (w *testWorld) startLogin(t *testing.T) *AuthorizationStart {
	start, err := w.app.Login(context.Background(), aliceHandle, "")
	require.NoError(t, err)
	return start
}

func (w *testWorld) login(t *testing.T) *LoginResult {
	start := w.startLogin(t)

	res, err := w.app.HandleCallback(context.Background(), CallbackParams{
		Code:  "valid-code",
		State: start.State,
		Iss:   w.auth.issuer,
	})
	require.NoError(t, err)
	return res
}

func queryOf(t *testing.T, raw string) url.Values {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}
