package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quartzlabs/identity/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// Safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns a random URL-safe string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE verifier and its S256 challenge.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashCode returns the SHA-256 hex digest used to index authorization codes
func HashCode(rawCode string) string {
	sum := sha256.Sum256([]byte(rawCode))
	return hex.EncodeToString(sum[:])
}

// HashPassword bcrypt-hashes a password at MinCost to keep tests fast
func HashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return string(hash)
}

// GenerateTestUser creates an active user fixture with the given password
func GenerateTestUser(t *testing.T, password string) *storage.User {
	t.Helper()
	return &storage.User{
		ID:           "user-" + GenerateRandomString(8),
		Email:        GenerateRandomString(8) + "@example.com",
		PasswordHash: HashPassword(t, password),
		Name:         "Test User",
		Roles:        []string{"user"},
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
}

// GenerateTestClient creates a public client fixture with one redirect URI
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:     "client-" + GenerateRandomString(8),
		ClientType:   "public",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"openid", "profile"},
		ClientName:   "Test Client",
		CreatedAt:    time.Now().UTC(),
	}
}

// GenerateTestAuthorizationCode creates an unused code fixture expiring in 60s
func GenerateTestAuthorizationCode(userID, clientID string, now time.Time) (*storage.AuthorizationCode, string) {
	rawCode := GenerateRandomString(32)
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		CodeHash:            HashCode(rawCode),
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		Scope:               "openid profile",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(60 * time.Second),
	}, rawCode
}

// GenerateTestRefreshRecord creates an active chain-root refresh record
func GenerateTestRefreshRecord(userID, clientID string, now time.Time) *storage.RefreshTokenRecord {
	return &storage.RefreshTokenRecord{
		JTI:        "jti-" + GenerateRandomString(16),
		UserID:     userID,
		ClientID:   clientID,
		ChainID:    "chain-" + GenerateRandomString(16),
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(7 * 24 * time.Hour),
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
