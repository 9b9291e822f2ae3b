// Package server implements the OAuth 2.1 authorization server flows:
// authorization code issuance with PKCE, code exchange, refresh token
// rotation with reuse detection, credential login, and logout.
//
// The Server is transport-agnostic. HTTP parameter extraction, status codes,
// and response encoding live in the root identity package; this package owns
// the state transitions and their security invariants:
//
//   - authorization codes are single-use; concurrent exchanges of the same
//     code produce exactly one winner
//   - refresh tokens rotate on every redemption; reuse of a rotated token is
//     treated as a breach and revokes the whole chain
//   - every client-facing failure collapses to invalid_request or
//     invalid_grant while the precise cause goes to the audit log
//   - raw codes and PKCE verifiers are never logged
package server
