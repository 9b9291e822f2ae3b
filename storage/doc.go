// Package storage defines the persistence interfaces for the identity
// engine: users, clients, authorization codes, refresh token chains,
// revoked token IDs, and organization memberships.
//
// Two backends implement these interfaces:
//   - memory: single-process, mutex-guarded maps with background cleanup
//   - valkey: shared Valkey/Redis-compatible store with Lua-script atomicity
//
// Single-use operations (AtomicConsumeAuthorizationCode, AtomicRedeemRefreshToken)
// are test-and-set primitives: exactly one caller wins under concurrency.
package storage
