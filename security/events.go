package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access/refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated for a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the user or client
	EventTokenRevoked = "token_revoked"

	// EventChainRevoked is logged when an entire refresh-token chain is revoked
	EventChainRevoked = "refresh_chain_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReplayDetected is logged when an already-consumed authorization
	// code is presented again (replay attempt)
	EventCodeReplayDetected = "authorization_code_replay_detected"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (bad credentials,
	// invalid or expired token, revoked jti)
	EventAuthFailure = "auth_failure"

	// EventAuthzFailure is logged when an authenticated principal lacks the
	// role or membership required for an operation
	EventAuthzFailure = "authz_failure"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshReuseDetected is logged when an already-rotated refresh token
	// is presented again. This is a breach signal, not ordinary expiry noise.
	EventRefreshReuseDetected = "refresh_token_reuse_detected"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventLoginSucceeded is logged on successful credential authentication
	EventLoginSucceeded = "login_succeeded"

	// EventLoginFailed is logged on failed credential authentication
	EventLoginFailed = "login_failed"
)
