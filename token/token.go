package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quartzlabs/identity/security"
)

// Token audiences. Each audience is accepted only where it is expected: an
// access token presented as a session (or vice versa) fails verification.
const (
	AudienceAccess  = "access"
	AudienceSession = "session"
	AudienceRefresh = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultSessionTTL = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// DefaultIssuer is used when Config.Issuer is empty.
	DefaultIssuer = "identity"
)

// signingAlg is the single permitted JWS algorithm.
const signingAlg = "ES256"

// Typed verification failures. Callers branch on these with errors.Is; no
// other detail about why a token was rejected is exposed to clients.
var (
	// ErrExpired indicates the token's exp claim has passed.
	ErrExpired = errors.New("token expired")

	// ErrInvalidSignature indicates the signature did not verify, including
	// alg=none and algorithm-confusion attempts.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrMalformedClaims indicates the token could not be parsed or a
	// required claim (sub, exp, iat, jti) is missing.
	ErrMalformedClaims = errors.New("malformed token claims")

	// ErrWrongAudience indicates the aud claim does not match the audience
	// expected at the presentation point.
	ErrWrongAudience = errors.New("wrong token audience")

	// ErrWrongIssuer indicates the iss claim does not match this server.
	ErrWrongIssuer = errors.New("wrong token issuer")
)

// Claims is the claim set carried by every token this server issues.
type Claims struct {
	jwt.RegisteredClaims

	Scope string   `json:"scope,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// TokenAudience returns the single audience value of the claims, or "" when
// absent.
func (c *Claims) TokenAudience() string {
	if len(c.RegisteredClaims.Audience) == 0 {
		return ""
	}
	return c.RegisteredClaims.Audience[0]
}

// Config holds TokenService configuration.
type Config struct {
	// Issuer is the iss claim stamped on and required from every token.
	Issuer string

	// AccessTTL, SessionTTL, RefreshTTL override the default lifetimes when
	// non-zero.
	AccessTTL  time.Duration
	SessionTTL time.Duration
	RefreshTTL time.Duration

	// Clock is the injected time source. Defaults to the system clock.
	Clock security.Clock
}

// Service mints and verifies signed tokens for the three audiences.
type Service struct {
	keys   KeyProvider
	clock  security.Clock
	issuer string

	accessTTL  time.Duration
	sessionTTL time.Duration
	refreshTTL time.Duration

	parser *jwt.Parser
}

// NewService creates a TokenService backed by the given key provider.
func NewService(keys KeyProvider, cfg Config) (*Service, error) {
	if keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}

	s := &Service{
		keys:       keys,
		clock:      clock,
		issuer:     issuer,
		accessTTL:  cfg.AccessTTL,
		sessionTTL: cfg.SessionTTL,
		refreshTTL: cfg.RefreshTTL,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = DefaultSessionTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}

	// The parser pins the algorithm: anything but ES256 (alg=none included)
	// is rejected before signature verification is even attempted.
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
	)

	return s, nil
}

// AccessTTL returns the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// SessionTTL returns the configured session-token lifetime.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issuer returns the iss claim value this service stamps and requires.
func (s *Service) Issuer() string { return s.issuer }

// MintAccess signs a new access token for the subject. The returned Claims
// carry the fresh jti so callers can persist or revoke it.
func (s *Service) MintAccess(sub string, roles []string, scope string) (string, *Claims, error) {
	return s.mint(AudienceAccess, sub, roles, scope, s.accessTTL)
}

// MintSession signs a new session token for the subject.
func (s *Service) MintSession(sub string) (string, *Claims, error) {
	return s.mint(AudienceSession, sub, nil, "", s.sessionTTL)
}

// MintRefresh signs a new refresh token for the subject. Rotation lineage
// (chain ID, rotated-from) is tracked in the refresh token registry, not in
// the token itself.
func (s *Service) MintRefresh(sub string) (string, *Claims, error) {
	return s.mint(AudienceRefresh, sub, nil, "", s.refreshTTL)
}

func (s *Service) mint(aud, sub string, roles []string, scope string, ttl time.Duration) (string, *Claims, error) {
	if sub == "" {
		return "", nil, fmt.Errorf("subject is required")
	}

	now := s.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope: scope,
		Roles: roles,
	}

	// The only place the private key is touched.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.keys.SigningKey())
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign %s token: %w", aud, err)
	}

	return signed, claims, nil
}

// Verify parses and validates a token, requiring the given audience.
//
// Check order: structural parse, signature (algorithm pinned), required
// claims present, expiry, issuer, audience. The signature is always checked
// before any claim is trusted; claim checks run only on authenticated
// payloads.
func (s *Service) Verify(raw string, expectedAud string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.keys.VerificationKey(), nil
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	// Required claims beyond what the parser enforces.
	if claims.Subject == "" || claims.IssuedAt == nil || claims.ID == "" {
		return nil, ErrMalformedClaims
	}

	if claims.Issuer != s.issuer {
		return nil, ErrWrongIssuer
	}

	if claims.TokenAudience() != expectedAud {
		return nil, ErrWrongAudience
	}

	return claims, nil
}

// mapParseError collapses golang-jwt parse failures into the typed taxonomy.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	default:
		return ErrMalformedClaims
	}
}
