// Package token mints and verifies the signed JWTs used by the identity
// server. Three disjoint audiences are issued: short-lived access tokens for
// resource requests, session tokens for the authorization endpoint's own
// browser session, and long-lived refresh tokens redeemed through rotation.
//
// The signing algorithm is pinned to ES256. Tokens with alg=none, or with any
// other algorithm, are rejected at the parser before any claim is trusted.
// The private key is held behind a KeyProvider and touched only while
// signing, which keeps the door open for key rotation and external key
// services without global mutable state.
package token
