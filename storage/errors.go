package storage

import "errors"

// Sentinel errors returned by store implementations. Handlers map these to
// generic OAuth error responses; the specific cause is only logged server-side.
var (
	// ErrCodeNotFound indicates the authorization code hash is unknown
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired indicates the authorization code outlived its TTL
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeUsed indicates the authorization code was already consumed.
	// Treat as a replay signal.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrRecordNotFound indicates the refresh token jti is unknown
	ErrRecordNotFound = errors.New("refresh token record not found")

	// ErrRecordExpired indicates the refresh token record outlived its TTL
	ErrRecordExpired = errors.New("refresh token record expired")

	// ErrRecordRevoked indicates the refresh token record was already
	// redeemed or revoked. Treat as a reuse signal when the record was
	// rotated rather than explicitly revoked.
	ErrRecordRevoked = errors.New("refresh token record revoked")

	// ErrUserNotFound indicates no user matches the given ID or email
	ErrUserNotFound = errors.New("user not found")

	// ErrClientNotFound indicates no client registration matches the ID
	ErrClientNotFound = errors.New("client not found")

	// ErrMembershipNotFound indicates the user does not belong to the org
	ErrMembershipNotFound = errors.New("organization membership not found")
)
