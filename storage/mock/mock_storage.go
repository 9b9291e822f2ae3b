// Package mock provides a fault-injecting storage wrapper for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/quartzlabs/identity/storage"
)

// Store wraps a real storage.Store and lets tests override individual
// methods to inject failures. Unset overrides delegate to the inner store.
// Call counts are tracked per method name.
type Store struct {
	Inner storage.Store

	mu         sync.Mutex
	CallCounts map[string]int

	ConsumeCodeFunc   func(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error)
	RedeemRefreshFunc func(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error)
	RevokeChainFunc   func(ctx context.Context, chainID string) (int, error)
	RevokeJTIFunc     func(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevokedFunc     func(ctx context.Context, jti string) (bool, error)
	GetUserFunc       func(ctx context.Context, userID string) (*storage.User, error)
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New wraps an inner store
func New(inner storage.Store) *Store {
	return &Store{
		Inner:      inner,
		CallCounts: make(map[string]int),
	}
}

func (m *Store) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

func (m *Store) SaveUser(ctx context.Context, user *storage.User) error {
	m.count("SaveUser")
	return m.Inner.SaveUser(ctx, user)
}

func (m *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	m.count("GetUser")
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, userID)
	}
	return m.Inner.GetUser(ctx, userID)
}

func (m *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	m.count("GetUserByEmail")
	return m.Inner.GetUserByEmail(ctx, email)
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	return m.Inner.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	return m.Inner.GetClient(ctx, clientID)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	return m.Inner.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	m.count("GetAuthorizationCode")
	return m.Inner.GetAuthorizationCode(ctx, codeHash)
}

func (m *Store) AtomicConsumeAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	m.count("AtomicConsumeAuthorizationCode")
	if m.ConsumeCodeFunc != nil {
		return m.ConsumeCodeFunc(ctx, codeHash)
	}
	return m.Inner.AtomicConsumeAuthorizationCode(ctx, codeHash)
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	m.count("DeleteAuthorizationCode")
	return m.Inner.DeleteAuthorizationCode(ctx, codeHash)
}

func (m *Store) SaveRefreshTokenRecord(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	m.count("SaveRefreshTokenRecord")
	return m.Inner.SaveRefreshTokenRecord(ctx, rec)
}

func (m *Store) GetRefreshTokenRecord(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	m.count("GetRefreshTokenRecord")
	return m.Inner.GetRefreshTokenRecord(ctx, jti)
}

func (m *Store) AtomicRedeemRefreshToken(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	m.count("AtomicRedeemRefreshToken")
	if m.RedeemRefreshFunc != nil {
		return m.RedeemRefreshFunc(ctx, jti)
	}
	return m.Inner.AtomicRedeemRefreshToken(ctx, jti)
}

func (m *Store) RevokeRefreshChain(ctx context.Context, chainID string) (int, error) {
	m.count("RevokeRefreshChain")
	if m.RevokeChainFunc != nil {
		return m.RevokeChainFunc(ctx, chainID)
	}
	return m.Inner.RevokeRefreshChain(ctx, chainID)
}

func (m *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	m.count("RevokeJTI")
	if m.RevokeJTIFunc != nil {
		return m.RevokeJTIFunc(ctx, jti, expiresAt)
	}
	return m.Inner.RevokeJTI(ctx, jti, expiresAt)
}

func (m *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	m.count("IsRevoked")
	if m.IsRevokedFunc != nil {
		return m.IsRevokedFunc(ctx, jti)
	}
	return m.Inner.IsRevoked(ctx, jti)
}

func (m *Store) SaveMembership(ctx context.Context, membership *storage.OrgMembership) error {
	m.count("SaveMembership")
	return m.Inner.SaveMembership(ctx, membership)
}

func (m *Store) GetMembership(ctx context.Context, orgID, userID string) (*storage.OrgMembership, error) {
	m.count("GetMembership")
	return m.Inner.GetMembership(ctx, orgID, userID)
}

func (m *Store) Stop() {
	m.Inner.Stop()
}

// CallCount returns how many times a method has been invoked
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}
