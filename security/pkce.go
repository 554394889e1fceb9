package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code verifier / challenge pair (RFC 7636, S256 only). The
// challenge is safe to store and display inside the QR payload; the
// verifier stays on the approving device until the approve call.

const verifierBytes = 32

// GenerateVerifier returns a new cryptographically random code
// verifier, base64url encoded without padding (43 characters).
func GenerateVerifier() (string, error) {
	byt := make([]byte, verifierBytes)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(byt), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge recomputes the challenge for verifier and compares it
// against the stored challenge in constant time.
func VerifyChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
