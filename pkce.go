package oauth

import (
	"fmt"

	"github.com/haileyok/atproto-session-broker/internal/helpers"
)

const (
	// 32 random bytes encode to a 43 character verifier, the minimum RFC 7636 allows
	pkceVerifierBytes   = 32
	codeChallengeMethod = "S256"
)

type PkcePair struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

func GeneratePkce() (*PkcePair, error) {
	verifier, err := helpers.GenerateURLToken(pkceVerifierBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	return &PkcePair{
		CodeVerifier:        verifier,
		CodeChallenge:       generateCodeChallenge(verifier),
		CodeChallengeMethod: codeChallengeMethod,
	}, nil
}

func generateCodeChallenge(pkceVerifier string) string {
	return helpers.S256(pkceVerifier)
}
