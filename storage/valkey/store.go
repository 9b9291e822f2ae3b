package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "idp:"

	// DefaultRevokedRecordRetention is how long revoked refresh records are
	// kept past their natural expiry, so reuse of a long-dead chain is still
	// recognized and auditable.
	DefaultRevokedRecordRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging
	// token and code identifiers
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "idp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedRecordRetention keeps revoked refresh records past expiry for
	// reuse forensics. Default: 24 hours
	RevokedRecordRetention time.Duration

	// Clock overrides the wall clock, for deterministic tests
	Clock security.Clock
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	clock     security.Clock
	retention time.Duration
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	retention := cfg.RevokedRecordRetention
	if retention <= 0 {
		retention = DefaultRevokedRecordRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		clock:     clock,
		retention: retention,
	}, nil
}

// Stop closes the Valkey client connection
func (s *Store) Stop() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key construction
// ============================================================

func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *Store) userEmailKey(email string) string {
	return s.prefix + "useremail:" + email
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) codeKey(codeHash string) string {
	return s.prefix + "code:" + codeHash
}

func (s *Store) refreshKey(jti string) string {
	return s.prefix + "refresh:" + jti
}

func (s *Store) chainKey(chainID string) string {
	return s.prefix + "chain:" + chainID
}

func (s *Store) revokedKey(jti string) string {
	return s.prefix + "revoked:" + jti
}

func (s *Store) membershipKey(orgID, userID string) string {
	return s.prefix + "member:" + orgID + ":" + userID
}

// ============================================================
// Lua scripts
// ============================================================

// luaAtomicConsumeCode atomically checks an authorization code and marks it
// used. Exactly one concurrent caller receives the pre-consumption data.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - Original JSON data if the code was unused and is now marked used
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if ARGV[1] > code.expires_at
//   - "ALREADY_USED:<json>" if the code was consumed before (data returned
//     for revocation escalation)
const luaAtomicConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAtomicRedeemRefresh atomically marks an active refresh record revoked
// and returns its pre-redemption state. Exactly one concurrent caller wins;
// losers see the revoked record so they can escalate to chain revocation.
//
// KEYS[1] = refresh record key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = retention TTL in seconds for the revoked record
//
// Returns:
//   - Original JSON data on success (record now marked revoked)
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if ARGV[1] > rec.expires_at
//   - "REVOKED:<json>" if the record was already redeemed or revoked
const luaAtomicRedeemRefresh = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(rec.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if rec.revoked then
    return 'REVOKED:' .. data
end

rec.revoked = true
rec.revoked_at = now
local remaining = expiresAt - now + tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(rec), 'EX', remaining)

return data
`

// ============================================================
// JSON serialization
// ============================================================

type userJSON struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"password_hash,omitempty"`
	Name         string   `json:"name,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"created_at"`
}

func toUserJSON(u *storage.User) *userJSON {
	return &userJSON{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Name:         u.Name,
		Roles:        u.Roles,
		Active:       u.Active,
		CreatedAt:    u.CreatedAt.Unix(),
	}
}

func fromUserJSON(j *userJSON) *storage.User {
	return &storage.User{
		ID:           j.ID,
		Email:        j.Email,
		PasswordHash: j.PasswordHash,
		Name:         j.Name,
		Roles:        j.Roles,
		Active:       j.Active,
		CreatedAt:    time.Unix(j.CreatedAt, 0).UTC(),
	}
}

type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scopes           []string `json:"scopes,omitempty"`
	ClientName       string   `json:"client_name,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		RedirectURIs:     c.RedirectURIs,
		Scopes:           c.Scopes,
		ClientName:       c.ClientName,
		CreatedAt:        c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		ClientName:       j.ClientName,
		CreatedAt:        time.Unix(j.CreatedAt, 0).UTC(),
	}
}

type authorizationCodeJSON struct {
	CodeHash            string `json:"code_hash"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	UserID              string `json:"user_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		CodeHash:            code.CodeHash,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UserID:              code.UserID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:            j.CodeHash,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserID:              j.UserID,
		CreatedAt:           time.Unix(j.CreatedAt, 0).UTC(),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0).UTC(),
		Used:                j.Used,
	}
}

type refreshRecordJSON struct {
	JTI         string `json:"jti"`
	UserID      string `json:"user_id"`
	ClientID    string `json:"client_id"`
	ChainID     string `json:"chain_id"`
	RotatedFrom string `json:"rotated_from,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Generation  int    `json:"generation"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Revoked     bool   `json:"revoked"`
	RevokedAt   int64  `json:"revoked_at,omitempty"`
}

func toRefreshRecordJSON(rec *storage.RefreshTokenRecord) *refreshRecordJSON {
	j := &refreshRecordJSON{
		JTI:         rec.JTI,
		UserID:      rec.UserID,
		ClientID:    rec.ClientID,
		ChainID:     rec.ChainID,
		RotatedFrom: rec.RotatedFrom,
		Scope:       rec.Scope,
		Generation:  rec.Generation,
		IssuedAt:    rec.IssuedAt.Unix(),
		ExpiresAt:   rec.ExpiresAt.Unix(),
		Revoked:     rec.Revoked,
	}
	if !rec.RevokedAt.IsZero() {
		j.RevokedAt = rec.RevokedAt.Unix()
	}
	return j
}

func fromRefreshRecordJSON(j *refreshRecordJSON) *storage.RefreshTokenRecord {
	rec := &storage.RefreshTokenRecord{
		JTI:         j.JTI,
		UserID:      j.UserID,
		ClientID:    j.ClientID,
		ChainID:     j.ChainID,
		RotatedFrom: j.RotatedFrom,
		Scope:       j.Scope,
		Generation:  j.Generation,
		IssuedAt:    time.Unix(j.IssuedAt, 0).UTC(),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0).UTC(),
		Revoked:     j.Revoked,
	}
	if j.RevokedAt != 0 {
		rec.RevokedAt = time.Unix(j.RevokedAt, 0).UTC()
	}
	return rec
}

type membershipJSON struct {
	OrgID    string `json:"org_id"`
	UserID   string `json:"user_id"`
	OrgRole  string `json:"org_role"`
	JoinedAt int64  `json:"joined_at"`
}

func toMembershipJSON(m *storage.OrgMembership) *membershipJSON {
	return &membershipJSON{
		OrgID:    m.OrgID,
		UserID:   m.UserID,
		OrgRole:  m.OrgRole,
		JoinedAt: m.JoinedAt.Unix(),
	}
}

func fromMembershipJSON(j *membershipJSON) *storage.OrgMembership {
	return &storage.OrgMembership{
		OrgID:    j.OrgID,
		UserID:   j.UserID,
		OrgRole:  j.OrgRole,
		JoinedAt: time.Unix(j.JoinedAt, 0).UTC(),
	}
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON payload, and converts
// it to the storage type. Misses map to notFoundErr.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// setJSON marshals a value and stores it, with an optional TTL
func setJSON(ctx context.Context, s *Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if ttl > 0 {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
}

// ttlUntil computes the TTL for a key expiring at expiresAt.
// Returns 0 if the moment has already passed.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
