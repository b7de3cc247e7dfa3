package app

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const stateBytes = 32

// GenerateVerifier returns a PKCE code verifier: 32 random bytes encoded as
// unpadded base64url (43 characters). It panics if the system entropy source
// fails.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateChallenge derives the S256 code challenge for a verifier.
func GenerateChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns an anti-CSRF state value independent of the verifier.
func GenerateState() string {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random state: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
