package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quartzlabs/identity/internal/util"
	"github.com/quartzlabs/identity/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code keyed by CodeHash.
// The key TTL matches the code's expiry so Valkey evicts it on its own.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("code hash is required")
	}

	ttl := s.ttlUntil(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := setJSON(ctx, s, s.codeKey(code.CodeHash), toAuthorizationCodeJSON(code), ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_hash_prefix", util.SafeTruncate(code.CodeHash, tokenIDLogLength),
		"client_id", code.ClientID,
		"ttl", ttl)
	return nil
}

// GetAuthorizationCode retrieves an authorization code by hash without
// consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	code, err := getAndUnmarshal(ctx, s, s.codeKey(codeHash), storage.ErrCodeNotFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().After(code.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	return code, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it used, via a Lua script so the check-and-set holds across instances.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeCode).
			Numkeys(1).
			Key(s.codeKey(codeHash)).
			Arg(fmt.Sprintf("%d", s.clock.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		// Return the record alongside the error so the caller can revoke
		// tokens issued from the first redemption
		data := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeUsed
	}

	// Success - parse the pre-consumption data
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Marked authorization code as used",
		"code_hash_prefix", util.SafeTruncate(codeHash, tokenIDLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(codeHash)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
