package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// KeyProvider supplies the ES256 signing key pair. The private key is only
// ever requested inside the mint path; verification uses the public half.
// Implementations may load the key from disk, environment, or an external
// key service.
type KeyProvider interface {
	// SigningKey returns the private key used to sign newly minted tokens.
	SigningKey() *ecdsa.PrivateKey

	// VerificationKey returns the public key used to verify signatures.
	VerificationKey() *ecdsa.PublicKey
}

// StaticKeyProvider holds a fixed ECDSA P-256 key pair in memory.
type StaticKeyProvider struct {
	key *ecdsa.PrivateKey
}

// NewStaticKeyProvider wraps an existing private key.
func NewStaticKeyProvider(key *ecdsa.PrivateKey) (*StaticKeyProvider, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must use curve P-256, got %s", key.Curve.Params().Name)
	}
	return &StaticKeyProvider{key: key}, nil
}

// GenerateKeyProvider creates a provider with a fresh ephemeral P-256 key.
// Intended for development and tests; production deployments should load a
// persistent key so tokens survive restarts.
func GenerateKeyProvider() (*StaticKeyProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &StaticKeyProvider{key: key}, nil
}

// ParseKeyProviderPEM loads a PEM-encoded EC private key.
func ParseKeyProviderPEM(pemBytes []byte) (*StaticKeyProvider, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	return NewStaticKeyProvider(key)
}

// SigningKey returns the private key.
func (p *StaticKeyProvider) SigningKey() *ecdsa.PrivateKey { return p.key }

// VerificationKey returns the public key.
func (p *StaticKeyProvider) VerificationKey() *ecdsa.PublicKey { return &p.key.PublicKey }
