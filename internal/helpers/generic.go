package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// GenerateURLToken returns len random bytes, base64url encoded without padding.
func GenerateURLToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// S256 is base64url(sha256(input)). Used for both PKCE challenges and DPoP `ath` claims.
func S256(input string) string {
	h := sha256.New()
	h.Write([]byte(input))
	hash := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(hash)
}
