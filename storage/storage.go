package storage

import (
	"context"
	"time"
)

// User is a registered account. PasswordHash is a bcrypt hash; the raw
// password is never persisted.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Roles        []string
	Active       bool
	CreatedAt    time.Time
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	Scopes           []string
	ClientName       string
	CreatedAt        time.Time
}

// AuthorizationCode represents an issued authorization code, indexed by the
// SHA-256 hash of the raw code. The raw code exists only in the redirect URI
// handed to the client.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshTokenRecord tracks one link of a refresh token rotation chain.
// ChainID is shared by every token descended from the same initial grant;
// RotatedFrom is the jti of the predecessor (empty for the chain root).
type RefreshTokenRecord struct {
	JTI         string
	UserID      string
	ClientID    string
	ChainID     string
	RotatedFrom string
	Scope       string
	Generation  int
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   time.Time
}

// OrgMembership links a user to an organization with an org-scoped role.
type OrgMembership struct {
	OrgID    string
	UserID   string
	OrgRole  string
	JoinedAt time.Time
}

// UserStore manages user accounts.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// SaveUser creates or replaces a user record
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail retrieves a user by email address
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// AuthorizationCodeStore manages single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code keyed by CodeHash
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code by hash without
	// consuming it
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and marks it used. Exactly one concurrent caller receives the record;
	// the rest receive an error:
	//   - ErrCodeNotFound if the hash is unknown
	//   - ErrCodeExpired if the code outlived its TTL
	//   - ErrCodeUsed if the code was already consumed (replay)
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, codeHash string) error
}

// RefreshTokenStore manages refresh token rotation chains.
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenStore interface {
	// SaveRefreshTokenRecord saves a refresh token record keyed by jti
	SaveRefreshTokenRecord(ctx context.Context, rec *RefreshTokenRecord) error

	// GetRefreshTokenRecord retrieves a refresh token record by jti
	GetRefreshTokenRecord(ctx context.Context, jti string) (*RefreshTokenRecord, error)

	// AtomicRedeemRefreshToken atomically marks an active record revoked and
	// returns its pre-redemption state. Exactly one concurrent caller wins.
	// Errors:
	//   - ErrRecordNotFound if the jti is unknown
	//   - ErrRecordExpired if the record outlived its TTL
	//   - ErrRecordRevoked if the record was already redeemed or revoked;
	//     the record is returned alongside the error so callers can escalate
	//     (reuse of a rotated token revokes the whole chain)
	// SECURITY: This operation MUST be atomic to prevent concurrent token
	// refresh attacks.
	AtomicRedeemRefreshToken(ctx context.Context, jti string) (*RefreshTokenRecord, error)

	// RevokeRefreshChain revokes every record sharing chainID, including
	// records on sibling branches. Returns the number of records newly revoked.
	RevokeRefreshChain(ctx context.Context, chainID string) (int, error)
}

// RevocationStore is a TTL'd set of revoked token IDs. Entries expire on
// their own once the underlying token would have expired anyway.
// All methods accept context.Context for tracing and cancellation.
type RevocationStore interface {
	// RevokeJTI marks a token ID revoked until expiresAt
	RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked reports whether a token ID is currently revoked
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// OrgMembershipStore resolves organization membership for authorization
// decisions. All methods accept context.Context for tracing and cancellation.
type OrgMembershipStore interface {
	// SaveMembership creates or replaces a membership record
	SaveMembership(ctx context.Context, m *OrgMembership) error

	// GetMembership retrieves the membership of a user in an organization.
	// Returns ErrMembershipNotFound if the user does not belong to the org.
	GetMembership(ctx context.Context, orgID, userID string) (*OrgMembership, error)
}

// Store aggregates every repository the identity engine needs. Both backends
// implement the full set.
type Store interface {
	UserStore
	ClientStore
	AuthorizationCodeStore
	RefreshTokenStore
	RevocationStore
	OrgMembershipStore

	// Stop releases background resources (cleanup goroutines, connections)
	Stop()
}
