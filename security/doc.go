// Package security provides the cross-cutting security primitives used by the
// identity server: an injectable clock for deterministic expiry logic, audit
// logging with PII hashing, per-identifier rate limiting, client IP
// extraction, and secure HTTP response headers.
package security
