package oauth

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	ClientAssertionJwtBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	DefaultScope             = "atproto transition:generic"
)

// Client speaks the OAuth protocol to authorization servers and resource servers on behalf of a
// single client id. It holds no per-user state.
type Client struct {
	h                *http.Client
	clientPrivateKey *ecdsa.PrivateKey
	clientJwk        jwk.Key
	clientKid        string
	clientId         string
	redirectUri      string
	scope            string
	logger           *slog.Logger
}

type ClientArgs struct {
	H *http.Client
	// optional. when set the client authenticates with private_key_jwt, otherwise it is a public client
	ClientJwk   jwk.Key
	ClientId    string
	RedirectUri string
	Scope       string
	Logger      *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	if !strings.Contains(" "+args.Scope+" ", " atproto ") {
		return nil, fmt.Errorf("scope must include atproto")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: defaultHopTimeout,
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	c := &Client{
		h:           args.H,
		clientId:    args.ClientId,
		redirectUri: args.RedirectUri,
		scope:       args.Scope,
		logger:      args.Logger.With("component", "oauth-client"),
	}

	if args.ClientJwk != nil {
		clientPkey, err := getPrivateKey(args.ClientJwk)
		if err != nil {
			return nil, fmt.Errorf("could not load private key from provided client jwk: %w", err)
		}

		c.clientJwk = args.ClientJwk
		c.clientPrivateKey = clientPkey
		c.clientKid = args.ClientJwk.KeyID()
	}

	return c, nil
}

func (c *Client) IsConfidential() bool {
	return c.clientPrivateKey != nil
}

func (c *Client) ClientId() string {
	return c.clientId
}

func (c *Client) Scope() string {
	return c.scope
}

// ClientAssertionJwt signs a private_key_jwt client assertion for the given auth server.
func (c *Client) ClientAssertionJwt(authServerUrl string) (string, error) {
	if c.clientPrivateKey == nil {
		return "", fmt.Errorf("client has no private key")
	}

	claims := jwt.MapClaims{
		"iss": c.clientId,
		"sub": c.clientId,
		"aud": authServerUrl,
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.clientKid

	tokenString, err := token.SignedString(c.clientPrivateKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// clientAuth returns the assertion type and assertion for confidential clients, or empty strings.
func (c *Client) clientAuth(authServerUrl string) (string, string, error) {
	if !c.IsConfidential() {
		return "", "", nil
	}

	assertion, err := c.ClientAssertionJwt(authServerUrl)
	if err != nil {
		return "", "", err
	}

	return ClientAssertionJwtBearer, assertion, nil
}

// ClientMetadata is the document served at the client id URL.
func (c *Client) ClientMetadata(clientName, clientUri, jwksUri string) ClientMetadata {
	meta := ClientMetadata{
		ClientID:                c.clientId,
		ClientName:              clientName,
		ClientURI:               clientUri,
		ApplicationType:         "web",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   c.scope,
		RedirectURIs:            []string{c.redirectUri},
		TokenEndpointAuthMethod: "none",
		DpopBoundAccessTokens:   true,
	}

	if c.IsConfidential() {
		meta.TokenEndpointAuthMethod = "private_key_jwt"
		meta.TokenEndpointAuthSigningAlg = "ES256"
		meta.JwksUri = jwksUri
	}

	return meta
}

// PublicJwks returns the client's public key set, or nil for public clients.
func (c *Client) PublicJwks() (*JwksResponseObject, error) {
	if c.clientJwk == nil {
		return nil, nil
	}

	return CreateJwksResponseObject(c.clientJwk)
}
