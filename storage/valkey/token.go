package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quartzlabs/identity/internal/util"
	"github.com/quartzlabs/identity/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshTokenRecord saves a refresh token record keyed by jti and adds
// it to the chain membership set. Both keys carry the record's TTL plus the
// revoked-record retention window.
func (s *Store) SaveRefreshTokenRecord(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	if rec == nil || rec.JTI == "" || rec.ChainID == "" {
		return fmt.Errorf("refresh record requires jti and chain ID")
	}

	ttl := s.ttlUntil(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh record already expired")
	}
	ttl += s.retention

	if err := setJSON(ctx, s, s.refreshKey(rec.JTI), toRefreshRecordJSON(rec), ttl); err != nil {
		return fmt.Errorf("failed to save refresh record: %w", err)
	}

	chainKey := s.chainKey(rec.ChainID)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(chainKey).Member(rec.JTI).Build()).Error(); err != nil {
		return fmt.Errorf("failed to add record to chain set: %w", err)
	}
	// Each rotation extends the set's life to cover the newest member
	if err := s.client.Do(ctx, s.client.B().Expire().Key(chainKey).Seconds(int64(ttl.Seconds())).Build()).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on chain set",
			"chain_prefix", util.SafeTruncate(rec.ChainID, tokenIDLogLength),
			"error", err)
	}

	s.logger.Debug("Saved refresh token record",
		"jti_prefix", util.SafeTruncate(rec.JTI, tokenIDLogLength),
		"chain_prefix", util.SafeTruncate(rec.ChainID, tokenIDLogLength),
		"generation", rec.Generation)
	return nil
}

// GetRefreshTokenRecord retrieves a refresh token record by jti
func (s *Store) GetRefreshTokenRecord(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	return getAndUnmarshal(ctx, s, s.refreshKey(jti), storage.ErrRecordNotFound, fromRefreshRecordJSON)
}

// AtomicRedeemRefreshToken atomically marks an active record revoked and
// returns its pre-redemption state, via a Lua script so exactly one caller
// wins across instances.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRedeemRefresh).
			Numkeys(1).
			Key(s.refreshKey(jti)).
			Arg(fmt.Sprintf("%d", s.clock.Now().Unix())).
			Arg(fmt.Sprintf("%d", int64(s.retention.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh redeem: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRecordNotFound
	case result == "EXPIRED":
		return nil, storage.ErrRecordExpired
	case strings.HasPrefix(result, "REVOKED:"):
		// The losing caller gets the record back so it can revoke the chain
		data := strings.TrimPrefix(result, "REVOKED:")
		var j refreshRecordJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse revoked record", storage.ErrRecordRevoked)
		}
		return fromRefreshRecordJSON(&j), storage.ErrRecordRevoked
	}

	var j refreshRecordJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh record: %w", err)
	}

	s.logger.Debug("Redeemed refresh token record",
		"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
		"generation", j.Generation)

	return fromRefreshRecordJSON(&j), nil
}

// RevokeRefreshChain revokes every record sharing chainID. Returns the number
// of records newly revoked.
func (s *Store) RevokeRefreshChain(ctx context.Context, chainID string) (int, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.chainKey(chainID)).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get chain members: %w", err)
	}

	revoked := 0
	now := s.clock.Now()

	for _, jti := range members {
		key := s.refreshKey(jti)

		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if !isNilError(err) {
				s.logger.Warn("Failed to read chain member during revocation",
					"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
					"error", err)
			}
			continue
		}

		var j refreshRecordJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil || j.Revoked {
			continue
		}

		j.Revoked = true
		j.RevokedAt = now.Unix()

		retentionTTL := time.Unix(j.ExpiresAt, 0).Sub(now) + s.retention
		if retentionTTL <= 0 {
			retentionTTL = s.retention
		}
		if err := setJSON(ctx, s, key, &j, retentionTTL); err != nil {
			s.logger.Warn("Failed to persist chain member revocation",
				"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
				"error", err)
			continue
		}
		revoked++
	}

	if revoked > 0 {
		s.logger.Info("Revoked refresh token chain",
			"chain_prefix", util.SafeTruncate(chainID, tokenIDLogLength),
			"records_revoked", revoked)
	}

	return revoked, nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// RevokeJTI marks a token ID revoked until expiresAt. The marker key expires
// with the token it shadows, so the registry is self-cleaning.
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("jti is required")
	}

	ttl := s.ttlUntil(expiresAt)
	if ttl <= 0 {
		// Token can no longer verify anyway
		return nil
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.revokedKey(jti)).Value("1").Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke jti: %w", err)
	}

	s.logger.Debug("Revoked token ID",
		"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
		"ttl", ttl)
	return nil
}

// IsRevoked reports whether a token ID is currently revoked
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedKey(jti)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
