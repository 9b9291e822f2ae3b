package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/quartzlabs/identity/internal/util"
	"github.com/quartzlabs/identity/pkce"
	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/token"
)

// AuthorizeRequest carries the validated-to-be parameters of a GET /authorize.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
}

// ExchangeRequest carries the form parameters of a POST /token.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenPair is the result of a successful exchange or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Scope        string
}

// Authorize validates an authorization request for an authenticated user and
// issues a single-use code. Returns the full redirect URL carrying the raw
// code and the client's state.
//
// Only the sha256 of the code is persisted; the raw code exists solely in the
// returned URL.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, userID string) (string, error) {
	if err := validateState(req.State); err != nil {
		s.auditAuthFailure(userID, req.ClientID, "", "state_too_short")
		return "", ErrInvalidRequest
	}

	if req.ResponseType != ResponseTypeCode {
		s.auditAuthFailure(userID, req.ClientID, "", fmt.Sprintf("unsupported_response_type: %s", req.ResponseType))
		return "", ErrInvalidRequest
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		s.auditAuthFailure(userID, req.ClientID, "", "unknown_client")
		return "", ErrInvalidRequest
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Logger.Debug("Authorize rejected",
			"reason", err.Error(),
			"client_id", req.ClientID)
		s.auditAuthFailure(userID, req.ClientID, "", "invalid_redirect_uri")
		return "", ErrInvalidRequest
	}

	if err := validateClientScope(req.Scope, client); err != nil {
		s.auditAuthFailure(userID, req.ClientID, "", "scope_not_authorized")
		return "", ErrInvalidScope
	}

	if err := validateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.Logger.Debug("Authorize rejected",
			"reason", err.Error(),
			"client_id", req.ClientID)
		s.auditAuthFailure(userID, req.ClientID, "", "invalid_pkce_challenge")
		return "", ErrInvalidRequest
	}

	now := s.clock.Now()
	rawCode := generateRawCode()
	authCode := &storage.AuthorizationCode{
		CodeHash:            hashCode(rawCode),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
		Used:                false,
	}
	if err := s.store.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   userID,
			ClientID: req.ClientID,
			Details: map[string]any{
				"scope": req.Scope,
			},
		})
	}
	s.metrics().RecordAuthorizationStarted(ctx, req.ClientID)

	return buildRedirectURL(req.RedirectURI, rawCode, req.State)
}

// buildRedirectURL appends the code, and the state when the client sent one,
// to the registered redirect URI, preserving any query parameters the client
// registered.
func buildRedirectURL(redirectURI, rawCode, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", rawCode)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange redeems an authorization code for an access/refresh pair.
//
// The code is consumed atomically before any further validation so that two
// concurrent exchanges of the same code produce exactly one winner. Every
// failure collapses to ErrInvalidGrant; the cause is audited, never the raw
// code or verifier.
func (s *Server) Exchange(ctx context.Context, req *ExchangeRequest, clientIP string) (*TokenPair, error) {
	if req.GrantType != GrantTypeAuthorizationCode {
		s.auditAuthFailure("", req.ClientID, clientIP, fmt.Sprintf("unsupported_grant_type: %s", req.GrantType))
		return nil, ErrInvalidRequest
	}
	if req.Code == "" {
		s.auditAuthFailure("", req.ClientID, clientIP, "missing_code")
		return nil, ErrInvalidGrant
	}

	authCode, err := s.store.AtomicConsumeAuthorizationCode(ctx, hashCode(req.Code))
	if err != nil {
		if errors.Is(err, storage.ErrCodeUsed) && authCode != nil {
			// Replay of a consumed code is a theft indicator, not noise.
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserID+":"+req.ClientID) {
				s.Logger.Error("Authorization code replay detected",
					"user_id", authCode.UserID,
					"client_id", req.ClientID,
					"code_prefix", util.SafeTruncate(authCode.CodeHash, 8))
			}
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventCodeReplayDetected,
					UserID:    authCode.UserID,
					ClientID:  req.ClientID,
					IPAddress: clientIP,
					Details: map[string]any{
						"severity": "critical",
					},
				})
			}
			s.metrics().RecordCodeReplayDetected(ctx)
			return nil, ErrInvalidGrant
		}

		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID)
		s.auditAuthFailure("", req.ClientID, clientIP, "invalid_authorization_code")
		return nil, ErrInvalidGrant
	}

	// Code is now marked used; no other request can redeem it. A failure
	// past this point burns the code, which is the intended fail-closed
	// behavior.

	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", req.ClientID)
		s.auditAuthFailure("", req.ClientID, clientIP, "client_id_mismatch")
		return nil, ErrInvalidGrant
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID)
		s.auditAuthFailure("", req.ClientID, clientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant
	}

	if !pkce.Verify(req.CodeVerifier, authCode.CodeChallenge) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  req.ClientID,
				IPAddress: clientIP,
			})
		}
		s.metrics().RecordPKCEValidationFailed(ctx, "verifier_mismatch")
		return nil, ErrInvalidGrant
	}

	user, err := s.store.GetUser(ctx, authCode.UserID)
	if err != nil || !user.Active {
		s.auditAuthFailure(authCode.UserID, req.ClientID, clientIP, "user_unavailable")
		return nil, ErrInvalidGrant
	}

	pair, err := s.issueTokenPair(ctx, user, req.ClientID, authCode.Scope, chainStart())
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.ID, req.ClientID, clientIP, authCode.Scope)
	}
	s.metrics().RecordCodeExchange(ctx, req.ClientID)

	return pair, nil
}

// Refresh rotates a refresh token into a new access/refresh pair.
//
// Redemption is atomic per jti; two concurrent refreshes of the same token
// produce exactly one winner. Presenting an already-redeemed token is a
// breach signal: the entire chain is revoked, including branches on other
// devices, and the caller gets the same generic rejection as any invalid
// token.
func (s *Server) Refresh(ctx context.Context, rawRefreshToken, clientIP string) (*TokenPair, error) {
	claims, err := s.tokens.Verify(rawRefreshToken, token.AudienceRefresh)
	if err != nil {
		s.Logger.Debug("Refresh token verification failed", "reason", err.Error())
		s.auditAuthFailure("", "", clientIP, "invalid_refresh_token")
		return nil, ErrInvalidToken
	}

	rec, err := s.store.AtomicRedeemRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordRevoked) && rec != nil {
			revoked, revErr := s.store.RevokeRefreshChain(ctx, rec.ChainID)
			if revErr != nil {
				s.Logger.Error("Failed to revoke refresh chain after reuse detection",
					"chain_id", util.SafeTruncate(rec.ChainID, 8),
					"error", revErr)
			}

			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(rec.UserID+":"+rec.ClientID) {
				s.Logger.Error("Refresh token reuse detected, chain revoked",
					"user_id", rec.UserID,
					"client_id", rec.ClientID,
					"chain_id", util.SafeTruncate(rec.ChainID, 8),
					"generation", rec.Generation,
					"records_revoked", revoked)
			}
			if s.Auditor != nil {
				s.Auditor.LogRefreshReuse(rec.UserID, rec.ClientID, clientIP, rec.ChainID, revoked)
			}
			s.metrics().RecordRefreshReuseDetected(ctx)
			s.metrics().RecordChainRevocation(ctx, revoked)

			return nil, ErrInvalidToken
		}

		s.Logger.Debug("Refresh token redemption failed",
			"reason", err.Error(),
			"jti", util.SafeTruncate(claims.ID, 8))
		s.auditAuthFailure("", "", clientIP, "invalid_refresh_token")
		return nil, ErrInvalidToken
	}

	// Roles may have changed since the chain started; re-read the user so a
	// deactivated account cannot keep refreshing.
	user, err := s.store.GetUser(ctx, rec.UserID)
	if err != nil || !user.Active {
		s.auditAuthFailure(rec.UserID, rec.ClientID, clientIP, "user_unavailable")
		return nil, ErrInvalidToken
	}

	pair, err := s.issueTokenPair(ctx, user, rec.ClientID, rec.Scope, chainLink{
		chainID:     rec.ChainID,
		rotatedFrom: rec.JTI,
		generation:  rec.Generation + 1,
	})
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(user.ID, rec.ClientID, clientIP, rec.Generation+1)
	}
	s.metrics().RecordTokenRefresh(ctx, rec.ClientID, rec.Generation+1)

	return pair, nil
}

// Logout revokes the presented tokens. It never fails from the caller's
// perspective: unknown, expired, or absent tokens are simply not revoked, so
// the operation is idempotent and leaks nothing about token validity.
func (s *Server) Logout(ctx context.Context, rawAccessToken, rawRefreshToken, clientIP string) {
	if accessClaims, err := s.tokens.Verify(rawAccessToken, token.AudienceAccess); err == nil {
		if err := s.store.RevokeJTI(ctx, accessClaims.ID, accessClaims.ExpiresAt.Time); err != nil {
			s.Logger.Warn("Failed to revoke access token", "error", err)
		} else {
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked(accessClaims.Subject, "", clientIP, "access")
			}
			s.metrics().RecordTokenRevocation(ctx, "access")
		}
	}

	if rawRefreshToken == "" {
		return
	}
	refreshClaims, err := s.tokens.Verify(rawRefreshToken, token.AudienceRefresh)
	if err != nil {
		return
	}
	rec, err := s.store.GetRefreshTokenRecord(ctx, refreshClaims.ID)
	if err != nil {
		return
	}

	revoked, err := s.store.RevokeRefreshChain(ctx, rec.ChainID)
	if err != nil {
		s.Logger.Warn("Failed to revoke refresh chain on logout",
			"chain_id", util.SafeTruncate(rec.ChainID, 8),
			"error", err)
		return
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(rec.UserID, rec.ClientID, clientIP, "refresh_chain")
	}
	s.metrics().RecordTokenRevocation(ctx, "refresh")
	s.metrics().RecordChainRevocation(ctx, revoked)

	s.Logger.Info("Logout revoked refresh chain",
		"chain_id", util.SafeTruncate(rec.ChainID, 8),
		"records_revoked", revoked)
}

// Authenticate validates a user's credentials for login. Unknown email,
// wrong password, and deactivated account are indistinguishable to the
// caller, and all three cost one bcrypt comparison.
func (s *Server) Authenticate(ctx context.Context, email, plaintextPassword, clientIP string) (*storage.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison anyway so response time does not reveal whether
		// the account exists.
		_ = s.hasher.Verify("", plaintextPassword)
		s.auditLogin(ctx, "", clientIP, false)
		return nil, ErrInvalidCredentials
	}

	if err := s.hasher.Verify(user.PasswordHash, plaintextPassword); err != nil {
		s.auditLogin(ctx, user.ID, clientIP, false)
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.auditLogin(ctx, user.ID, clientIP, false)
		return nil, ErrInvalidCredentials
	}

	s.auditLogin(ctx, user.ID, clientIP, true)
	return user, nil
}

// chainLink positions a new refresh record within its rotation chain.
type chainLink struct {
	chainID     string
	rotatedFrom string
	generation  int
}

// chainStart begins a fresh rotation chain.
func chainStart() chainLink {
	return chainLink{chainID: uuid.NewString(), generation: 1}
}

// issueTokenPair mints an access/refresh pair and persists the refresh
// token's chain record.
func (s *Server) issueTokenPair(ctx context.Context, user *storage.User, clientID, scope string, link chainLink) (*TokenPair, error) {
	accessToken, _, err := s.tokens.MintAccess(user.ID, user.Roles, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	refreshToken, refreshClaims, err := s.tokens.MintRefresh(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	rec := &storage.RefreshTokenRecord{
		JTI:         refreshClaims.ID,
		UserID:      user.ID,
		ClientID:    clientID,
		ChainID:     link.chainID,
		RotatedFrom: link.rotatedFrom,
		Scope:       scope,
		Generation:  link.generation,
		IssuedAt:    refreshClaims.IssuedAt.Time,
		ExpiresAt:   refreshClaims.ExpiresAt.Time,
	}
	if err := s.store.SaveRefreshTokenRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save refresh token record: %w", err)
	}

	s.metrics().RecordTokenIssued(ctx, token.AudienceAccess)
	s.metrics().RecordTokenIssued(ctx, token.AudienceRefresh)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		Scope:        scope,
	}, nil
}

func (s *Server) auditAuthFailure(userID, clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userID, clientID, clientIP, reason)
	}
}

func (s *Server) auditLogin(ctx context.Context, userID, clientIP string, success bool) {
	if s.Auditor != nil {
		eventType := security.EventLoginFailed
		if success {
			eventType = security.EventLoginSucceeded
		}
		s.Auditor.LogEvent(security.Event{
			Type:      eventType,
			UserID:    userID,
			IPAddress: clientIP,
		})
	}
	s.metrics().RecordLogin(ctx, success)
}
