// Package principal resolves verified access tokens into a request-scoped
// authorization context.
//
// Authentication failures (missing, invalid, expired, or revoked token) are
// always ErrUnauthenticated; authorization failures (valid identity, missing
// role or membership) are always ErrForbidden. The two are never conflated.
package principal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/token"
)

// RolePlatformAdmin bypasses org membership lookups
const RolePlatformAdmin = "platform_admin"

var (
	// ErrUnauthenticated maps to 401: the caller's identity could not be
	// established
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden maps to 403: the caller is known but not allowed
	ErrForbidden = errors.New("forbidden")
)

// Principal is the resolved identity and authorization context for one
// request. It is never persisted.
type Principal struct {
	UserID string
	Roles  []string
	Scope  string

	// TokenID is the jti of the access token the principal was resolved
	// from, kept for logout and audit correlation
	TokenID string

	// OrgID and OrgRole are set only after WithOrg
	OrgID   string
	OrgRole string
}

// HasRole reports whether the principal carries the given platform role
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsPlatformAdmin reports whether the principal bypasses org membership
func (p *Principal) IsPlatformAdmin() bool {
	return p.HasRole(RolePlatformAdmin)
}

// RequireRole returns ErrForbidden unless the principal carries the role.
// Platform admins pass every role check.
func (p *Principal) RequireRole(role string) error {
	if p.HasRole(role) || p.IsPlatformAdmin() {
		return nil
	}
	return fmt.Errorf("%w: missing role %q", ErrForbidden, role)
}

// RequireOwnership returns ErrForbidden unless the principal owns the
// resource or is a platform admin
func (p *Principal) RequireOwnership(ownerUserID string) error {
	if p.UserID == ownerUserID || p.IsPlatformAdmin() {
		return nil
	}
	return fmt.Errorf("%w: not the resource owner", ErrForbidden)
}

// Resolver builds Principals from bearer tokens.
type Resolver struct {
	tokens      *token.Service
	revocations storage.RevocationStore
	memberships storage.OrgMembershipStore
	logger      *slog.Logger
}

// NewResolver creates a resolver. memberships may be nil when no org-scoped
// operations are served.
func NewResolver(tokens *token.Service, revocations storage.RevocationStore, memberships storage.OrgMembershipStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tokens:      tokens,
		revocations: revocations,
		memberships: memberships,
		logger:      logger,
	}
}

// ResolveAccess verifies a raw access token and builds the Principal.
// Every failure is ErrUnauthenticated; the precise cause goes to the log,
// never to the caller.
func (r *Resolver) ResolveAccess(ctx context.Context, rawToken string) (*Principal, error) {
	claims, err := r.tokens.Verify(rawToken, token.AudienceAccess)
	if err != nil {
		r.logger.Debug("Access token verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	// Revocation is checked only after signature and expiry pass, so the
	// registry is never consulted for garbage input
	revoked, err := r.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		r.logger.Info("Rejected revoked access token", "user_id", claims.Subject)
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}

	return &Principal{
		UserID:  claims.Subject,
		Roles:   claims.Roles,
		Scope:   claims.Scope,
		TokenID: claims.ID,
	}, nil
}

// WithOrg returns a copy of the principal enriched with org context.
// Platform admins bypass the membership lookup and act with org role "admin".
// A missing membership is ErrForbidden: the identity is established, the
// access is not.
func (r *Resolver) WithOrg(ctx context.Context, p *Principal, orgID string) (*Principal, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no principal", ErrUnauthenticated)
	}

	scoped := *p
	scoped.OrgID = orgID

	if p.IsPlatformAdmin() {
		scoped.OrgRole = "admin"
		return &scoped, nil
	}

	if r.memberships == nil {
		return nil, fmt.Errorf("%w: org access not configured", ErrForbidden)
	}

	m, err := r.memberships.GetMembership(ctx, orgID, p.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrMembershipNotFound) {
			return nil, fmt.Errorf("%w: no membership in org", ErrForbidden)
		}
		return nil, fmt.Errorf("failed to resolve membership: %w", err)
	}

	scoped.OrgRole = m.OrgRole
	return &scoped, nil
}
