// Package password provides credential hashing and verification for user
// logins and confidential client secrets.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used for new hashes
const DefaultCost = 12

// maxPasswordLength caps input length; bcrypt ignores bytes past 72 anyway
// and unbounded input invites DoS via expensive hashing
const maxPasswordLength = 72

// ErrMismatch is returned when a credential does not match its hash. The
// same error covers unknown-subject comparisons so callers cannot
// distinguish the two.
var ErrMismatch = errors.New("credential mismatch")

// dummyHash is a bcrypt hash compared against when the subject does not
// exist, so verification takes the same time either way
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// Hasher hashes and verifies credentials.
type Hasher interface {
	// Hash returns a hash of the given plaintext credential
	Hash(plaintext string) (string, error)

	// Verify compares a plaintext credential against a stored hash.
	// Returns ErrMismatch on failure. An empty hash is compared against a
	// dummy hash so the call cost does not reveal whether the subject exists.
	Verify(hash, plaintext string) error
}

// BcryptHasher is the bcrypt-backed Hasher.
type BcryptHasher struct {
	cost int
}

var _ Hasher = (*BcryptHasher)(nil)

// NewBcryptHasher creates a hasher with the given cost. Costs outside
// bcrypt's valid range fall back to DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns a bcrypt hash of the credential
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("credential must not be empty")
	}
	if len(plaintext) > maxPasswordLength {
		return "", fmt.Errorf("credential exceeds %d bytes", maxPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hash), nil
}

// Verify compares a plaintext credential against a stored hash.
// Always performs a bcrypt comparison, even for missing subjects.
func (h *BcryptHasher) Verify(hash, plaintext string) error {
	compareTo := hash
	missing := hash == ""
	if missing {
		compareTo = dummyHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(compareTo), []byte(plaintext))
	if err != nil || missing {
		return ErrMismatch
	}
	return nil
}
