// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// Records are stored as JSON values with TTLs matching their natural expiry,
// so Valkey evicts expired codes, refresh records, and revocation entries
// without a cleanup goroutine. The single-use operations
// (AtomicConsumeAuthorizationCode, AtomicRedeemRefreshToken) run as Lua
// scripts so the check-and-set is atomic across instances.
//
// Key layout (prefix defaults to "idp:"):
//
//	idp:user:<id>          user record
//	idp:useremail:<email>  email -> user ID index
//	idp:client:<id>        client record
//	idp:code:<hash>        authorization code, TTL'd
//	idp:refresh:<jti>      refresh token record, TTL'd
//	idp:chain:<chain-id>   set of jtis in a rotation chain
//	idp:revoked:<jti>      revocation marker, TTL'd
//	idp:member:<org>:<user> org membership record
package valkey
