package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quartzlabs/identity/instrumentation"
	"github.com/quartzlabs/identity/internal/util"
	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token and code identifiers. Enough for correlation, useless for replay.
	tokenIDLogLength = 8

	// defaultRevokedRecordRetention keeps revoked refresh records around
	// after expiry so reuse attempts against old chains remain detectable
	// and auditable.
	defaultRevokedRecordRetention = 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	users        map[string]*storage.User
	usersByEmail map[string]string // normalized email -> user ID

	clients map[string]*storage.Client

	authCodes map[string]*storage.AuthorizationCode // code hash -> record

	refreshRecords map[string]*storage.RefreshTokenRecord // jti -> record
	chains         map[string]map[string]struct{}         // chain ID -> member jtis

	revokedJTIs map[string]time.Time // jti -> entry expiry

	memberships map[string]*storage.OrgMembership // orgID + "\x00" + userID

	clock security.Clock

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic   atomic.Int64
	refreshCountAtomic atomic.Int64
	revokedCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval        time.Duration
	revokedRecordRetention time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
	logger                 *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		users:                  make(map[string]*storage.User),
		usersByEmail:           make(map[string]string),
		clients:                make(map[string]*storage.Client),
		authCodes:              make(map[string]*storage.AuthorizationCode),
		refreshRecords:         make(map[string]*storage.RefreshTokenRecord),
		chains:                 make(map[string]map[string]struct{}),
		revokedJTIs:            make(map[string]time.Time),
		memberships:            make(map[string]*storage.OrgMembership),
		clock:                  security.SystemClock{},
		cleanupInterval:        cleanupInterval,
		revokedRecordRetention: defaultRevokedRecordRetention,
		stopCleanup:            make(chan struct{}),
		logger:                 slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the wall clock, for deterministic tests
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshCountAtomic.Store(int64(len(s.refreshRecords)))
	s.revokedCountAtomic.Store(int64(len(s.revokedJTIs)))
	s.mu.Unlock()

	if inst != nil {
		// Size callbacks read the atomic counters so metric collection never
		// contends with request traffic for the store lock
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshCountAtomic.Load() },
			func() int64 { return s.revokedCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user record
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok && existing.Email != user.Email {
		delete(s.usersByEmail, normalizeEmail(existing.Email))
	}

	u := cloneUser(user)
	s.users[u.ID] = u
	s.usersByEmail[normalizeEmail(u.Email)] = u.ID
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return cloneUser(user), nil
}

// GetUserByEmail retrieves a user by email address
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usersByEmail[normalizeEmail(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return cloneUser(user), nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code keyed by CodeHash
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	start := time.Now()

	if code == nil || code.CodeHash == "" {
		err := fmt.Errorf("code hash is required")
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, start)
		return err
	}

	s.mu.Lock()
	s.authCodes[code.CodeHash] = cloneAuthCode(code)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.mu.Unlock()

	s.logger.Debug("Saved authorization code",
		"code_hash_prefix", util.SafeTruncate(code.CodeHash, tokenIDLogLength),
		"client_id", code.ClientID)
	s.recordStorageOperation(ctx, span, "save_authorization_code", nil, start)
	return nil
}

// GetAuthorizationCode retrieves an authorization code by hash without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.authCodes[codeHash]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if s.clock.Now().After(code.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	return cloneAuthCode(code), nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it used. Exactly one concurrent caller receives the record.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, codeHash string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	start := time.Now()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	code, ok := s.authCodes[codeHash]
	if !ok {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", storage.ErrCodeNotFound, start)
		return nil, storage.ErrCodeNotFound
	}

	if s.clock.Now().After(code.ExpiresAt) {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", storage.ErrCodeExpired, start)
		return nil, storage.ErrCodeExpired
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if code.Used {
		// Return the record alongside the error so the caller can revoke
		// tokens issued from the first redemption
		s.recordStorageOperation(ctx, span, "consume_authorization_code", storage.ErrCodeUsed, start)
		return cloneAuthCode(code), storage.ErrCodeUsed
	}

	code.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_hash_prefix", util.SafeTruncate(codeHash, tokenIDLogLength))

	s.recordStorageOperation(ctx, span, "consume_authorization_code", nil, start)
	return cloneAuthCode(code), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, codeHash)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshTokenRecord saves a refresh token record keyed by jti
func (s *Store) SaveRefreshTokenRecord(ctx context.Context, rec *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_record")
	defer span.End()
	start := time.Now()

	if rec == nil || rec.JTI == "" || rec.ChainID == "" {
		err := fmt.Errorf("refresh record requires jti and chain ID")
		s.recordStorageOperation(ctx, span, "save_refresh_record", err, start)
		return err
	}

	s.mu.Lock()
	s.refreshRecords[rec.JTI] = cloneRefreshRecord(rec)
	members, ok := s.chains[rec.ChainID]
	if !ok {
		members = make(map[string]struct{})
		s.chains[rec.ChainID] = members
	}
	members[rec.JTI] = struct{}{}
	s.refreshCountAtomic.Store(int64(len(s.refreshRecords)))
	s.mu.Unlock()

	s.logger.Debug("Saved refresh token record",
		"jti_prefix", util.SafeTruncate(rec.JTI, tokenIDLogLength),
		"chain_prefix", util.SafeTruncate(rec.ChainID, tokenIDLogLength),
		"generation", rec.Generation)
	s.recordStorageOperation(ctx, span, "save_refresh_record", nil, start)
	return nil
}

// GetRefreshTokenRecord retrieves a refresh token record by jti
func (s *Store) GetRefreshTokenRecord(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.refreshRecords[jti]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	return cloneRefreshRecord(rec), nil
}

// AtomicRedeemRefreshToken atomically marks an active record revoked and
// returns its pre-redemption state. Exactly one concurrent caller wins.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, jti string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_refresh_token")
	defer span.End()
	start := time.Now()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	rec, ok := s.refreshRecords[jti]
	if !ok {
		s.recordStorageOperation(ctx, span, "redeem_refresh_token", storage.ErrRecordNotFound, start)
		return nil, storage.ErrRecordNotFound
	}

	if s.clock.Now().After(rec.ExpiresAt) {
		s.recordStorageOperation(ctx, span, "redeem_refresh_token", storage.ErrRecordExpired, start)
		return nil, storage.ErrRecordExpired
	}

	// ATOMIC check-and-set: only one caller can redeem this record.
	// A losing caller gets the record back so it can revoke the chain.
	if rec.Revoked {
		s.recordStorageOperation(ctx, span, "redeem_refresh_token", storage.ErrRecordRevoked, start)
		return cloneRefreshRecord(rec), storage.ErrRecordRevoked
	}

	redeemed := cloneRefreshRecord(rec)
	rec.Revoked = true
	rec.RevokedAt = s.clock.Now()

	s.logger.Debug("Redeemed refresh token record",
		"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
		"generation", rec.Generation)

	s.recordStorageOperation(ctx, span, "redeem_refresh_token", nil, start)
	return redeemed, nil
}

// RevokeRefreshChain revokes every record sharing chainID. Returns the number
// of records newly revoked.
func (s *Store) RevokeRefreshChain(ctx context.Context, chainID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_chain")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := s.clock.Now()
	for jti := range s.chains[chainID] {
		rec, ok := s.refreshRecords[jti]
		if !ok || rec.Revoked {
			continue
		}
		rec.Revoked = true
		rec.RevokedAt = now
		revoked++
	}

	if revoked > 0 {
		s.logger.Info("Revoked refresh token chain",
			"chain_prefix", util.SafeTruncate(chainID, tokenIDLogLength),
			"records_revoked", revoked)
	}

	s.recordStorageOperation(ctx, span, "revoke_refresh_chain", nil, start)
	return revoked, nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// RevokeJTI marks a token ID revoked until expiresAt
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("jti is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// No point keeping entries for tokens that can no longer verify
	if !s.clock.Now().After(expiresAt) {
		s.revokedJTIs[jti] = expiresAt
		s.revokedCountAtomic.Store(int64(len(s.revokedJTIs)))
	}
	return nil
}

// IsRevoked reports whether a token ID is currently revoked
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.revokedJTIs[jti]
	if !ok {
		return false, nil
	}
	// Entry may be awaiting cleanup; an expired entry no longer matters
	// because the token itself fails exp validation first
	return !s.clock.Now().After(expiresAt), nil
}

// ============================================================
// OrgMembershipStore Implementation
// ============================================================

// SaveMembership creates or replaces a membership record
func (s *Store) SaveMembership(ctx context.Context, m *storage.OrgMembership) error {
	if m == nil || m.OrgID == "" || m.UserID == "" {
		return fmt.Errorf("membership requires org ID and user ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.memberships[membershipKey(m.OrgID, m.UserID)] = &cp
	return nil
}

// GetMembership retrieves the membership of a user in an organization
func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*storage.OrgMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[membershipKey(orgID, userID)]
	if !ok {
		return nil, storage.ErrMembershipNotFound
	}
	cp := *m
	return &cp, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0

	// Expired authorization codes
	for hash, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, hash)
			cleaned++
		}
	}

	// Expired refresh records. Revoked records linger for a retention window
	// so reuse of a long-dead chain is still recognized and logged.
	for jti, rec := range s.refreshRecords {
		deadline := rec.ExpiresAt
		if rec.Revoked {
			deadline = deadline.Add(s.revokedRecordRetention)
		}
		if now.After(deadline) {
			delete(s.refreshRecords, jti)
			if members, ok := s.chains[rec.ChainID]; ok {
				delete(members, jti)
				if len(members) == 0 {
					delete(s.chains, rec.ChainID)
				}
			}
			cleaned++
		}
	}

	// Expired revocation entries
	for jti, expiresAt := range s.revokedJTIs {
		if now.After(expiresAt) {
			delete(s.revokedJTIs, jti)
			cleaned++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshCountAtomic.Store(int64(len(s.refreshRecords)))
	s.revokedCountAtomic.Store(int64(len(s.revokedJTIs)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Helpers
// ============================================================

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func membershipKey(orgID, userID string) string {
	return orgID + "\x00" + userID
}

func cloneUser(u *storage.User) *storage.User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp
}

func cloneAuthCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	cp := *c
	return &cp
}

func cloneRefreshRecord(r *storage.RefreshTokenRecord) *storage.RefreshTokenRecord {
	cp := *r
	return &cp
}

// startStorageSpan starts a tracing span for a storage operation. Returns a
// no-op span when instrumentation is not configured.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
