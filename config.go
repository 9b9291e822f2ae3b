package identity

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported storage backends. The backend is chosen by configuration, never
// inferred from the environment at runtime.
const (
	StorageBackendMemory = "memory"
	StorageBackendValkey = "valkey"
)

// Config holds the handler and deployment configuration. Fields are loaded
// from the environment via LoadConfig; zero values fall back to the
// envDefault tags.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string `env:"ADDR" envDefault:":8080"`

	// Issuer is the iss claim minted into every token and the value
	// verification pins against.
	Issuer string `env:"ISSUER" envDefault:"identity"`

	// PublicURL is the externally visible base URL. It controls whether
	// HSTS headers are emitted and whether session cookies are Secure.
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	// StorageBackend selects the store implementation: "memory" or "valkey".
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`

	// Valkey configures the valkey backend. Ignored for "memory".
	Valkey ValkeyConfig `envPrefix:"VALKEY_"`

	// SigningKeyPEM is the PEM-encoded ECDSA P-256 private key used for
	// token signing. Empty means a fresh ephemeral key is generated at
	// startup; tokens do not survive a restart in that mode.
	SigningKeyPEM string `env:"SIGNING_KEY_PEM"`

	// Token lifetimes. Zero means the token package defaults.
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	SessionTokenTTL time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"30m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// AuthorizationCodeTTL bounds the window between /authorize and /token.
	AuthorizationCodeTTL time.Duration `env:"AUTHORIZATION_CODE_TTL" envDefault:"60s"`

	// SessionCookieName names the HttpOnly session cookie set by /login.
	SessionCookieName string `env:"SESSION_COOKIE_NAME" envDefault:"identity_session"`

	// RateLimit configures per-IP request limiting.
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`

	// EnableAuditLogging enables the security audit log. Identifiers are
	// hashed before logging.
	EnableAuditLogging bool `env:"ENABLE_AUDIT_LOGGING" envDefault:"true"`
}

// ValkeyConfig holds the connection settings for the valkey backend.
type ValkeyConfig struct {
	Address  string `env:"ADDRESS" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the token endpoints.
	// Zero disables limiting.
	Rate float64 `env:"RATE" envDefault:"20"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `env:"BURST" envDefault:"40"`

	// LoginPerMinute is login attempts per minute allowed per IP.
	// Zero disables limiting.
	LoginPerMinute float64 `env:"LOGIN_PER_MINUTE" envDefault:"10"`

	// LoginBurst is the maximum burst of login attempts per IP.
	LoginBurst int `env:"LOGIN_BURST" envDefault:"5"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`
}

// LoadConfig parses the configuration from the process environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot be defaulted
// around.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageBackendMemory, StorageBackendValkey:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend == StorageBackendValkey && c.Valkey.Address == "" {
		return fmt.Errorf("valkey backend requires VALKEY_ADDRESS")
	}
	if c.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("authorization code TTL must not be negative")
	}
	return nil
}
