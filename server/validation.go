package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/quartzlabs/identity/pkce"
	"github.com/quartzlabs/identity/storage"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// GrantTypeAuthorizationCode is the only supported grant_type at /token.
const GrantTypeAuthorizationCode = "authorization_code"

// MinStateLength is the entropy floor for the client's CSRF state parameter.
const MinStateLength = 8

// validateRedirectURI checks that the URI exact-matches one of the client's
// registered URIs. No prefix, subdomain, or path-relative matching: anything
// short of byte equality is an open-redirect vector.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return validateRedirectURIShape(redirectURI)
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateRedirectURIShape rejects structurally dangerous URIs even when
// registered. Fragments are forbidden per OAuth 2.0 Security BCP; dangerous
// pseudo-schemes can never be redirect targets.
func validateRedirectURIShape(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	switch strings.ToLower(parsed.Scheme) {
	case "javascript", "data", "file", "vbscript", "about":
		return fmt.Errorf("redirect_uri scheme %q is not allowed", parsed.Scheme)
	case "":
		return fmt.Errorf("redirect_uri must be absolute")
	}
	return nil
}

// validateClientScope checks that every requested scope is inside the
// client's registration. Clients registered without scope restrictions may
// request anything.
func validateClientScope(requestedScope string, client *storage.Client) error {
	if len(client.Scopes) == 0 || requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowed := range client.Scopes {
			if reqScope == allowed {
				found = true
				break
			}
		}
		if !found {
			// Generic on purpose so clients cannot enumerate allowed scopes
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// validateState enforces an entropy floor on the CSRF state parameter when
// the client supplies one. State is optional; PKCE already binds the code to
// the requesting client, so absence is not an error. A present-but-trivial
// state is rejected because it signals a broken client-side CSRF scheme.
func validateState(state string) error {
	if state != "" && len(state) < MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", MinStateLength)
	}
	return nil
}

// validateChallenge enforces the PKCE requirements at /authorize: S256 only,
// challenge within RFC 7636 length bounds. The plain method is rejected
// outright, not gated behind configuration.
func validateChallenge(codeChallenge, codeChallengeMethod string) error {
	if codeChallenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if codeChallengeMethod == "" {
		return fmt.Errorf("code_challenge_method is required")
	}
	if codeChallengeMethod != pkce.MethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", codeChallengeMethod)
	}
	return pkce.ValidateChallenge(codeChallenge)
}
