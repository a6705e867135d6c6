package oauth

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haileyok/atproto-session-broker/internal/helpers"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// testNet routes requests by host to in-process handlers, so https urls with real looking hosts
// never leave the test.
type testNet struct {
	mu    sync.Mutex
	hosts map[string]http.Handler
}

func newTestNet() *testNet {
	return &testNet{hosts: make(map[string]http.Handler)}
}

func (n *testNet) Handle(host string, h http.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[host] = h
}

func (n *testNet) RoundTrip(r *http.Request) (*http.Response, error) {
	n.mu.Lock()
	h, ok := n.hosts[r.URL.Host]
	n.mu.Unlock()

	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("no such host %s", r.URL.Host)}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec.Result(), nil
}

func (n *testNet) Client() *http.Client {
	return &http.Client{Transport: n}
}

type staticTXT map[string][]string

func (s staticTXT) LookupTXT(ctx context.Context, name string) ([]string, error) {
	recs, ok := s[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return recs, nil
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func didDocumentFor(did, handle, pds string) map[string]any {
	return map[string]any{
		"@context":    []string{"https://www.w3.org/ns/did/v1"},
		"id":          did,
		"alsoKnownAs": []string{"at://" + handle},
		"service": []map[string]string{{
			"id":              "#atproto_pds",
			"type":            "AtprotoPersonalDataServer",
			"serviceEndpoint": pds,
		}},
	}
}

// fakeAuthServer is an authorization server with PAR, DPoP bound tokens and rotating refresh
// tokens.
type fakeAuthServer struct {
	t      *testing.T
	issuer string
	sub    string

	mu sync.Mutex
	// when set, token requests whose proof lacks this nonce are rejected with use_dpop_nonce
	nonce string
	// every token request is rejected with a fresh use_dpop_nonce
	alwaysNonce bool
	noPar       bool
	rejectPar   bool
	failRevoke  bool
	failRefresh bool
	expiresIn   int

	challenges    map[string]string
	parRequests   []url.Values
	tokenRequests []url.Values
	revocations   []url.Values
	refreshToken  string
	issued        int
	// thumbprint of the key tokens are bound to, set at code exchange
	jkt           string
	keyMismatches int
}

func newFakeAuthServer(t *testing.T, sub string) *fakeAuthServer {
	return &fakeAuthServer{
		t:          t,
		issuer:     "https://auth.example.com",
		sub:        sub,
		expiresIn:  3600,
		challenges: make(map[string]string),
	}
}

func (s *fakeAuthServer) metadata() map[string]any {
	m := map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/authorize",
		"token_endpoint":                        s.issuer + "/token",
		"revocation_endpoint":                   s.issuer + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "private_key_jwt"},
		"token_endpoint_auth_signing_alg_values_supported": []string{"ES256"},
		"dpop_signing_alg_values_supported":                []string{"ES256"},
		"scopes_supported":                                 []string{"atproto", "transition:generic"},
	}
	if !s.noPar {
		m["pushed_authorization_request_endpoint"] = s.issuer + "/par"
	}
	return m
}

func (s *fakeAuthServer) set(fn func(s *fakeAuthServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeAuthServer) tokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokenRequests)
}

func (s *fakeAuthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/oauth-authorization-server":
		writeJson(w, http.StatusOK, s.metadata())
	case "/par":
		s.handlePar(w, r)
	case "/token":
		s.handleToken(w, r)
	case "/revoke":
		s.handleRevoke(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeAuthServer) handlePar(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.parRequests = append(s.parRequests, r.PostForm)

	if s.rejectPar {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "nope"})
		return
	}

	s.challenges["valid-code"] = r.PostForm.Get("code_challenge")
	writeJson(w, http.StatusCreated, map[string]any{
		"request_uri": "urn:ietf:params:oauth:request_uri:req-1",
		"expires_in":  60,
	})
}

func (s *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenRequests = append(s.tokenRequests, r.PostForm)

	claims, err := VerifyDpopProof(r.Header.Get("DPoP"), "POST", s.issuer+"/token")
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof", "error_description": err.Error()})
		return
	}

	if s.alwaysNonce {
		s.issued++
		w.Header().Set("DPoP-Nonce", fmt.Sprintf("nonce-%d", s.issued))
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return
	}

	if s.nonce != "" && claims["nonce"] != s.nonce {
		w.Header().Set("DPoP-Nonce", s.nonce)
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return
	}

	if s.nonce != "" {
		w.Header().Set("DPoP-Nonce", s.nonce)
	}

	jkt, err := proofKeyThumbprint(r.Header.Get("DPoP"))
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof", "error_description": err.Error()})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		challenge, ok := s.challenges[code]
		if !ok || helpers.S256(r.PostForm.Get("code_verifier")) != challenge {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(s.challenges, code)
		s.jkt = jkt
	case "refresh_token":
		if s.failRefresh {
			writeJson(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})
			return
		}
		if r.PostForm.Get("refresh_token") != s.refreshToken {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		if jkt != s.jkt {
			s.keyMismatches++
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof", "error_description": "proof key does not match bound key"})
			return
		}
	default:
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	n := len(s.tokenRequests)
	s.refreshToken = fmt.Sprintf("refresh-%d", n)

	writeJson(w, http.StatusOK, map[string]any{
		"access_token":  fmt.Sprintf("access-%d", n),
		"refresh_token": s.refreshToken,
		"token_type":    "DPoP",
		"scope":         "atproto transition:generic",
		"expires_in":    s.expiresIn,
		"sub":           s.sub,
	})
}

// proofKeyThumbprint returns the RFC 7638 thumbprint of the public key embedded in a DPoP proof.
func proofKeyThumbprint(proof string) (string, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(proof, jwt.MapClaims{})
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(tok.Header["jwk"])
	if err != nil {
		return "", err
	}

	return keyThumbprint(b)
}

func keyThumbprint(raw []byte) (string, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return "", err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return "", err
	}

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func (s *fakeAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revocations = append(s.revocations, r.PostForm)

	if s.failRevoke {
		writeJson(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *fakePds) proofs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resourceProofs)
}

// fakePds serves protected resource metadata, the profile record and a DPoP protected getProfile.
type fakePds struct {
	authServer string
	did        string
	// when set, resource requests without this nonce get a use_dpop_nonce challenge
	nonce string
	// access token answered with invalid_token
	rejectToken string

	mu             sync.Mutex
	resourceProofs []string
}

func (p *fakePds) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/oauth-protected-resource":
		writeJson(w, http.StatusOK, map[string]any{
			"resource":              "https://" + r.Host,
			"authorization_servers": []string{p.authServer},
		})
	case "/xrpc/com.atproto.repo.getRecord":
		if r.URL.Query().Get("repo") != p.did {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "RecordNotFound", "message": "no such record"})
			return
		}
		writeJson(w, http.StatusOK, map[string]any{
			"uri": "at://" + p.did + "/app.bsky.actor.profile/self",
			"cid": "bafyreiprofile",
			"value": map[string]any{
				"$type":       "app.bsky.actor.profile",
				"displayName": "Alice",
				"description": "hello",
				"avatar": map[string]any{
					"$type":    "blob",
					"ref":      map[string]string{"$link": "bafkreiavatar"},
					"mimeType": "image/jpeg",
					"size":     1234,
				},
			},
		})
	case "/xrpc/app.bsky.actor.getProfile":
		p.mu.Lock()
		p.resourceProofs = append(p.resourceProofs, r.Header.Get("DPoP"))
		reject := p.rejectToken
		p.mu.Unlock()

		claims, err := VerifyDpopProof(r.Header.Get("DPoP"), "GET", "https://"+r.Host+r.URL.Path)
		if err != nil || claims["ath"] == nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "InvalidDPoP"})
			return
		}

		if p.nonce != "" && claims["nonce"] != p.nonce {
			w.Header().Set("DPoP-Nonce", p.nonce)
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			writeJson(w, http.StatusUnauthorized, map[string]string{"error": "use_dpop_nonce"})
			return
		}

		if reject != "" && r.Header.Get("Authorization") == "DPoP "+reject {
			w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token", error_description="token expired"`)
			writeJson(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}

		writeJson(w, http.StatusOK, map[string]any{"did": p.did, "handle": "alice.example.com", "displayName": "Alice"})
	default:
		http.NotFound(w, r)
	}
}
