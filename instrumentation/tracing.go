package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual credential values (access tokens, refresh
// tokens, raw authorization codes, passwords) in traces or metrics. Only record
// metadata such as audiences, generation numbers, chain IDs, and validation
// results. Traces are persisted and replicated far beyond the systems that
// produced them.
const (
	// Flow attributes
	AttrClientID        = "identity.client_id"        // Client identifier (non-secret)
	AttrUserID          = "identity.user_id"          // User identifier (non-secret)
	AttrScope           = "identity.scope"            // Requested scopes
	AttrAudience        = "identity.audience"         // Token audience (access, session, refresh)
	AttrGrantType       = "identity.grant_type"       // Token endpoint grant type
	AttrResponseType    = "identity.response_type"    // Authorization endpoint response type
	AttrClientType      = "identity.client_type"      // Client type (public/confidential)
	AttrRedirectURI     = "identity.redirect_uri"     // Registered redirect URI
	AttrTokenType       = "identity.token_type"       //nolint:gosec // Token type label - NOT the actual token
	AttrChainID         = "identity.chain_id"         // Refresh chain identifier
	AttrChainGeneration = "identity.chain_generation" // Position within the refresh chain
	AttrCodeReplay      = "identity.code_replay"      // Whether code replay was detected (boolean)
	AttrRefreshReuse    = "identity.refresh_reuse"    //nolint:gosec // Whether rotated-token reuse was detected (boolean)
	AttrError           = "identity.error"            // Error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddChainAttributes adds refresh chain tracking attributes to a span (nil-safe)
func AddChainAttributes(span trace.Span, chainID string, generation int) {
	if chainID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrChainID, chainID),
			attribute.Int(AttrChainGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered PII. Check
// ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
