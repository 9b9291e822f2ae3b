package server

import "errors"

// Client-facing failure sentinels. Every validation or protocol failure in
// the flows collapses to one of these so responses never reveal which check
// failed; the precise cause goes to the audit log instead.
var (
	// ErrInvalidRequest covers malformed or unsupported /authorize parameters.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrInvalidGrant covers every /token failure: unknown, expired, or
	// replayed codes, mismatched client or redirect URI, and failed PKCE.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidScope indicates the requested scope exceeds the client's
	// registration.
	ErrInvalidScope = errors.New("invalid_scope")

	// ErrInvalidCredentials covers failed logins: unknown email, wrong
	// password, or deactivated account, indistinguishably.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers every refresh failure: expired, malformed,
	// unknown, or reused tokens. Maps to 401.
	ErrInvalidToken = errors.New("invalid or expired token")
)
