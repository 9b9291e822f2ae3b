package valkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/quartzlabs/identity/storage"
)

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user record and its email index
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	if err := setJSON(ctx, s, s.userKey(user.ID), toUserJSON(user), 0); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	emailKey := s.userEmailKey(normalizeEmail(user.Email))
	if err := s.client.Do(ctx, s.client.B().Set().Key(emailKey).Value(user.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save user email index: %w", err)
	}

	s.logger.Debug("Saved user", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return getAndUnmarshal(ctx, s, s.userKey(userID), storage.ErrUserNotFound, fromUserJSON)
}

// GetUserByEmail retrieves a user by email address
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	userID, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.userEmailKey(normalizeEmail(email))).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to resolve user email: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	if err := setJSON(ctx, s, s.clientKey(client.ClientID), toClientJSON(client), 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ============================================================
// OrgMembershipStore Implementation
// ============================================================

// SaveMembership creates or replaces a membership record
func (s *Store) SaveMembership(ctx context.Context, m *storage.OrgMembership) error {
	if m == nil || m.OrgID == "" || m.UserID == "" {
		return fmt.Errorf("membership requires org ID and user ID")
	}

	if err := setJSON(ctx, s, s.membershipKey(m.OrgID, m.UserID), toMembershipJSON(m), 0); err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	return nil
}

// GetMembership retrieves the membership of a user in an organization
func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*storage.OrgMembership, error) {
	return getAndUnmarshal(ctx, s, s.membershipKey(orgID, userID), storage.ErrMembershipNotFound, fromMembershipJSON)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
