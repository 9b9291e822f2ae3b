// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the
// S256 challenge method. The plain method is not supported: a verifier sent
// in cleartext gives no protection against the code-interception attacks
// PKCE exists to stop.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// RFC 7636 constraints on the code_verifier.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// MethodS256 is the only accepted code_challenge_method.
	MethodS256 = "S256"
)

// GenerateVerifier returns a fresh high-entropy code verifier (43 characters
// from the unreserved set, 256 bits of randomness).
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge computes the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks the RFC 7636 length and character-set rules before
// any hashing happens. Rejecting malformed verifiers early keeps control
// characters and injection payloads out of the comparison path.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// ValidateChallenge checks that a code_challenge registered at /authorize has
// a plausible shape: base64url of a SHA-256 digest is always 43 characters.
func ValidateChallenge(challenge string) error {
	if len(challenge) < MinVerifierLength {
		return fmt.Errorf("code_challenge too short")
	}
	if len(challenge) > MaxVerifierLength {
		return fmt.Errorf("code_challenge too long")
	}
	return nil
}

// Verify reports whether the verifier matches the stored challenge under
// S256. The comparison is constant time so response latency cannot be used
// to brute-force a stolen challenge.
func Verify(verifier, challenge string) bool {
	if ValidateVerifier(verifier) != nil {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
