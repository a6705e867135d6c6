package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/haileyok/atproto-session-broker/internal/helpers"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const dpopProofLifetime = 30 * time.Second

// GenerateKey creates a P-256 private key as a JWK. The kid is the current unix time, optionally prefixed.
func GenerateKey(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	var kid string
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%d", *kidPrefix, time.Now().Unix())
	} else {
		kid = fmt.Sprintf("%d", time.Now().Unix())
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	return key, nil
}

type DpopOpts struct {
	// server issued nonce, omitted from the proof when empty
	Nonce string
	// set for resource requests; the proof then carries `ath`
	AccessToken string
}

// CreateDpopProof builds a DPoP proof JWT for a single request. Every call uses a fresh jti.
func CreateDpopProof(privateJwk jwk.Key, method, reqUrl string, opts DpopOpts) (string, error) {
	pubJwk, err := privateJwk.PublicKey()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return "", err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return "", err
	}

	htu, err := dpopHtu(reqUrl)
	if err != nil {
		return "", err
	}

	now := time.Now()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": htu,
		"iat": now.Unix(),
		"exp": now.Add(dpopProofLifetime).Unix(),
	}

	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}

	if opts.AccessToken != "" {
		claims["ath"] = helpers.S256(opts.AccessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	var rawKey any
	if err := privateJwk.Raw(&rawKey); err != nil {
		return "", err
	}

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyDpopProof checks a proof against the public key embedded in its own header, and that
// it was made for the given method and url.
func VerifyDpopProof(proof, method, reqUrl string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if t.Header["typ"] != "dpop+jwt" {
			return nil, fmt.Errorf("unexpected typ header %v", t.Header["typ"])
		}

		raw, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("proof has no jwk header")
		}

		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}

		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, fmt.Errorf("could not parse embedded jwk: %w", err)
		}

		if _, isPrivate := key.(jwk.ECDSAPrivateKey); isPrivate {
			return nil, fmt.Errorf("embedded jwk is a private key")
		}

		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}

		return &pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}

	htu, err := dpopHtu(reqUrl)
	if err != nil {
		return nil, err
	}

	if claims["htm"] != method {
		return nil, fmt.Errorf("htm %v does not match %s", claims["htm"], method)
	}

	if claims["htu"] != htu {
		return nil, fmt.Errorf("htu %v does not match %s", claims["htu"], htu)
	}

	if jti, _ := claims["jti"].(string); jti == "" {
		return nil, fmt.Errorf("proof has no jti")
	}

	return claims, nil
}

// htu is the request url without query and fragment
func dpopHtu(reqUrl string) (string, error) {
	u, err := url.Parse(reqUrl)
	if err != nil {
		return "", fmt.Errorf("invalid dpop target url: %w", err)
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}
