package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/quartzlabs/identity/instrumentation"
	"github.com/quartzlabs/identity/password"
	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/token"
)

// DefaultAuthorizationCodeTTL bounds the window between /authorize and
// /token. Codes are worthless after exchange, so the window stays short.
const DefaultAuthorizationCodeTTL = 60 * time.Second

// Config holds flow configuration.
type Config struct {
	// AuthorizationCodeTTL is the lifetime of issued authorization codes.
	// Defaults to DefaultAuthorizationCodeTTL.
	AuthorizationCodeTTL time.Duration

	// Clock is the injected time source. Defaults to the system clock.
	Clock security.Clock
}

// Server implements the authorization server state machines. It coordinates
// the stores, the token service, and the credential hasher.
type Server struct {
	store  storage.Store
	tokens *token.Service
	hasher password.Hasher
	clock  security.Clock

	Auditor *security.Auditor

	// SecurityEventRateLimiter caps breach-signal logging per user+client so
	// an attacker replaying stolen tokens cannot flood the audit stream.
	SecurityEventRateLimiter *security.RateLimiter

	Logger *slog.Logger
	Config *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a flow server.
func New(
	store storage.Store,
	tokens *token.Service,
	hasher password.Hasher,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("password hasher is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	clock := config.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	return &Server{
		store:  store,
		tokens: tokens,
		hasher: hasher,
		clock:  clock,
		Config: config,
		Logger: logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for breach-signal logging
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the flows
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Tokens returns the token service the flows mint and verify with.
func (s *Server) Tokens() *token.Service {
	return s.tokens
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// generateRawCode generates a cryptographically secure raw authorization
// code. oauth2.GenerateVerifier produces 256 bits of randomness in the
// URL-safe unreserved charset, which is exactly the shape a code needs.
func generateRawCode() string {
	return oauth2.GenerateVerifier()
}

// hashCode computes the storage index of a raw authorization code. Only the
// hash is ever persisted; the raw code exists solely in the redirect URI.
func hashCode(rawCode string) string {
	sum := sha256.Sum256([]byte(rawCode))
	return hex.EncodeToString(sum[:])
}
