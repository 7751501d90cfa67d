package flow

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
)

// ChallengeMethod is the only PKCE method this client sends.
const ChallengeMethod = "S256"

// stateBytes is the entropy of the state and nonce tokens.
const stateBytes = 32

// PKCE holds the per-flow secrets bound to one authorization request.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
	Nonce     string
}

// LogValue redacts every secret; only the method is ever logged.
func (p PKCE) LogValue() slog.Value {
	return slog.GroupValue(slog.String("method", ChallengeMethod))
}

// GeneratePKCE returns a fresh verifier, its S256 challenge and independent
// state and nonce tokens, all drawn from crypto/rand.
func GeneratePKCE() (PKCE, error) {
	verifier := oauth2.GenerateVerifier()

	state, err := randomToken(stateBytes)
	if err != nil {
		return PKCE{}, err
	}
	nonce, err := randomToken(stateBytes)
	if err != nil {
		return PKCE{}, err
	}

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
		Nonce:     nonce,
	}, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
