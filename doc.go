// Package identity is the HTTP surface of the identity and token lifecycle
// engine. It exposes the OAuth 2.1 endpoints (/authorize, /token), the
// credential login form, the refresh/logout session endpoints, and a
// bearer-protected /userinfo resource.
//
// The package translates between the wire protocol and the flow state
// machines in the server package: it parses and validates HTTP input, maps
// flow errors onto the OAuth error taxonomy, and never leaks internal causes
// to clients. Handler is safe for concurrent use.
package identity
