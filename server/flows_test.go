package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quartzlabs/identity/internal/testutil"
	"github.com/quartzlabs/identity/password"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/storage/memory"
	"github.com/quartzlabs/identity/token"
)

const testPassword = "correct horse battery staple"

type testEnv struct {
	server *Server
	store  *memory.Store
	tokens *token.Service
	clock  *testutil.MockTime
	user   *storage.User
	client *storage.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store := memory.New()
	store.SetClock(clock)
	t.Cleanup(store.Stop)

	keys, err := token.GenerateKeyProvider()
	if err != nil {
		t.Fatalf("failed to generate key provider: %v", err)
	}
	tokens, err := token.NewService(keys, token.Config{Clock: clock})
	if err != nil {
		t.Fatalf("failed to create token service: %v", err)
	}

	srv, err := New(store, tokens, password.NewBcryptHasher(bcrypt.MinCost), &Config{Clock: clock}, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx := context.Background()
	user := testutil.GenerateTestUser(t, testPassword)
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("failed to save user: %v", err)
	}
	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("failed to save client: %v", err)
	}

	return &testEnv{
		server: srv,
		store:  store,
		tokens: tokens,
		clock:  clock,
		user:   user,
		client: client,
	}
}

func (e *testEnv) authorizeRequest(challenge string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            e.client.ClientID,
		RedirectURI:         e.client.RedirectURIs[0],
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "openid profile",
		State:               "state-abc-123",
	}
}

// authorize runs a full /authorize and extracts the raw code from the
// redirect URL.
func (e *testEnv) authorize(t *testing.T, challenge string) (rawCode, state string) {
	t.Helper()

	redirect, err := e.server.Authorize(context.Background(), e.authorizeRequest(challenge), e.user.ID)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("Authorize returned unparseable redirect: %v", err)
	}
	return u.Query().Get("code"), u.Query().Get("state")
}

func (e *testEnv) exchange(rawCode, verifier string) (*TokenPair, error) {
	return e.server.Exchange(context.Background(), &ExchangeRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         rawCode,
		RedirectURI:  e.client.RedirectURIs[0],
		ClientID:     e.client.ClientID,
		CodeVerifier: verifier,
	}, "192.0.2.1")
}

func TestAuthorize_IssuesCodeAndPreservesState(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	rawCode, state := env.authorize(t, challenge)

	if rawCode == "" {
		t.Fatal("redirect URL is missing the code parameter")
	}
	if state != "state-abc-123" {
		t.Errorf("state = %q, want %q", state, "state-abc-123")
	}

	// Only the hash is stored; the raw code must not be the storage key.
	ctx := context.Background()
	if _, err := env.store.GetAuthorizationCode(ctx, rawCode); err == nil {
		t.Error("raw code used as storage key; only sha256(code) may be stored")
	}
	stored, err := env.store.GetAuthorizationCode(ctx, testutil.HashCode(rawCode))
	if err != nil {
		t.Fatalf("stored code not found by hash: %v", err)
	}
	if stored.UserID != env.user.ID {
		t.Errorf("stored UserID = %q, want %q", stored.UserID, env.user.ID)
	}
	if got, want := stored.ExpiresAt.Sub(stored.CreatedAt), DefaultAuthorizationCodeTTL; got != want {
		t.Errorf("code TTL = %v, want %v", got, want)
	}
}

func TestAuthorize_StateIsOptional(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	req := env.authorizeRequest(challenge)
	req.State = ""

	redirect, err := env.server.Authorize(context.Background(), req, env.user.ID)
	if err != nil {
		t.Fatalf("Authorize without state failed: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("Authorize returned unparseable redirect: %v", err)
	}
	rawCode := u.Query().Get("code")
	if rawCode == "" {
		t.Fatal("redirect URL is missing the code parameter")
	}
	// State is echoed only when the client sent one.
	if _, present := u.Query()["state"]; present {
		t.Errorf("redirect carries a state parameter the client never sent: %s", redirect)
	}

	// The stateless grant is a first-class one; the code must exchange.
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("Exchange of a stateless grant failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("exchange returned an incomplete token pair")
	}
}

func TestAuthorize_Validation(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name    string
		mutate  func(*AuthorizeRequest)
		wantErr error
	}{
		{
			name:    "short state",
			mutate:  func(r *AuthorizeRequest) { r.State = "abc" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "wrong response type",
			mutate:  func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown client",
			mutate:  func(r *AuthorizeRequest) { r.ClientID = "no-such-client" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unregistered redirect URI",
			mutate:  func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/callback" },
			wantErr: ErrInvalidRequest,
		},
		{
			name: "prefix match is not a match",
			mutate: func(r *AuthorizeRequest) {
				r.RedirectURI = env.client.RedirectURIs[0] + "/extra"
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "plain challenge method rejected",
			mutate:  func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing challenge",
			mutate:  func(r *AuthorizeRequest) { r.CodeChallenge = "" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "challenge below length floor",
			mutate:  func(r *AuthorizeRequest) { r.CodeChallenge = "too-short" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "scope outside client registration",
			mutate:  func(r *AuthorizeRequest) { r.Scope = "admin:everything" },
			wantErr: ErrInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := env.authorizeRequest(challenge)
			tt.mutate(req)

			_, err := env.server.Authorize(context.Background(), req, env.user.ID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExchange_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)

	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", pair.TokenType)
	}
	if pair.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", pair.ExpiresIn)
	}

	claims, err := env.tokens.Verify(pair.AccessToken, token.AudienceAccess)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.Subject != env.user.ID {
		t.Errorf("access sub = %q, want %q", claims.Subject, env.user.ID)
	}
	if claims.Scope != "openid profile" {
		t.Errorf("access scope = %q, want %q", claims.Scope, "openid profile")
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != 900*time.Second {
		t.Errorf("exp-iat = %v, want 900s", got)
	}

	refreshClaims, err := env.tokens.Verify(pair.RefreshToken, token.AudienceRefresh)
	if err != nil {
		t.Fatalf("refresh token does not verify: %v", err)
	}
	rec, err := env.store.GetRefreshTokenRecord(context.Background(), refreshClaims.ID)
	if err != nil {
		t.Fatalf("refresh record not persisted: %v", err)
	}
	if rec.ChainID == "" || rec.Generation != 1 || rec.RotatedFrom != "" {
		t.Errorf("chain root record = %+v, want generation 1 with empty RotatedFrom", rec)
	}
	if rec.Scope != "openid profile" {
		t.Errorf("record scope = %q, want %q", rec.Scope, "openid profile")
	}
}

func TestExchange_SecondRedemptionFails(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)

	if _, err := env.exchange(rawCode, verifier); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	if _, err := env.exchange(rawCode, verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want %v", err, ErrInvalidGrant)
	}
}

func TestExchange_WrongVerifier(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)

	if _, err := env.exchange(rawCode, otherVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("exchange with wrong verifier error = %v, want %v", err, ErrInvalidGrant)
	}

	// The failed attempt consumed the code; retrying cannot rescue it.
	if _, err := env.exchange(rawCode, otherVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("retry after failed PKCE error = %v, want %v", err, ErrInvalidGrant)
	}
}

func TestExchange_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		mutate  func(*ExchangeRequest)
		wantErr error
	}{
		{
			name:    "wrong grant type",
			mutate:  func(r *ExchangeRequest) { r.GrantType = "client_credentials" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing code",
			mutate:  func(r *ExchangeRequest) { r.Code = "" },
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "unknown code",
			mutate:  func(r *ExchangeRequest) { r.Code = "never-issued" },
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "client mismatch",
			mutate:  func(r *ExchangeRequest) { r.ClientID = "other-client" },
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "redirect URI mismatch",
			mutate:  func(r *ExchangeRequest) { r.RedirectURI = "https://app.example.com/other" },
			wantErr: ErrInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, verifier := testutil.GeneratePKCEPair()
			rawCode, _ := env.authorize(t, challenge)

			req := &ExchangeRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         rawCode,
				RedirectURI:  env.client.RedirectURIs[0],
				ClientID:     env.client.ClientID,
				CodeVerifier: verifier,
			}
			tt.mutate(req)

			_, err := env.server.Exchange(context.Background(), req, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Exchange error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExchange_ExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)

	env.clock.Advance(DefaultAuthorizationCodeTTL + time.Second)

	if _, err := env.exchange(rawCode, verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("exchange of expired code error = %v, want %v", err, ErrInvalidGrant)
	}
}

func TestExchange_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)

	const n = 30
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.exchange(rawCode, verifier)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, failures := 0, 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		failures++
		if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("losing exchange error = %v, want %v", err, ErrInvalidGrant)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if failures != n-1 {
		t.Errorf("failures = %d, want %d", failures, n-1)
	}
}

func TestRefresh_Rotation(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	ctx := context.Background()
	newPair, err := env.server.Refresh(ctx, pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if newPair.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if newPair.Scope != "openid profile" {
		t.Errorf("refreshed scope = %q, want %q", newPair.Scope, "openid profile")
	}

	// The refreshed access token must carry the original scope.
	accessClaims, err := env.tokens.Verify(newPair.AccessToken, token.AudienceAccess)
	if err != nil {
		t.Fatalf("refreshed access token does not verify: %v", err)
	}
	if accessClaims.Scope != "openid profile" {
		t.Errorf("refreshed access scope = %q, want %q", accessClaims.Scope, "openid profile")
	}

	// The new record links to its predecessor on the same chain.
	oldClaims, _ := env.tokens.Verify(pair.RefreshToken, token.AudienceRefresh)
	newClaims, _ := env.tokens.Verify(newPair.RefreshToken, token.AudienceRefresh)
	oldRec, err := env.store.GetRefreshTokenRecord(ctx, oldClaims.ID)
	if err != nil {
		t.Fatalf("old record lookup failed: %v", err)
	}
	newRec, err := env.store.GetRefreshTokenRecord(ctx, newClaims.ID)
	if err != nil {
		t.Fatalf("new record lookup failed: %v", err)
	}
	if !oldRec.Revoked {
		t.Error("redeemed record was not marked revoked")
	}
	if newRec.ChainID != oldRec.ChainID {
		t.Errorf("chain ID changed across rotation: %q -> %q", oldRec.ChainID, newRec.ChainID)
	}
	if newRec.RotatedFrom != oldRec.JTI {
		t.Errorf("RotatedFrom = %q, want %q", newRec.RotatedFrom, oldRec.JTI)
	}
	if newRec.Generation != oldRec.Generation+1 {
		t.Errorf("Generation = %d, want %d", newRec.Generation, oldRec.Generation+1)
	}
}

func TestRefresh_ReuseRevokesChain(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	ctx := context.Background()

	// A rotates to B.
	pairB, err := env.server.Refresh(ctx, pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// Reusing A is a breach signal.
	if _, err := env.server.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reuse of rotated token error = %v, want %v", err, ErrInvalidToken)
	}

	// The breach revoked the whole chain: B, the legitimate tip, is dead too.
	if _, err := env.server.Refresh(ctx, pairB.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh with chain-revoked tip error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.server.Refresh(context.Background(), pair.RefreshToken, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("losing refresh error = %v, want %v", err, ErrInvalidToken)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestRefresh_Failures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		if _, err := env.server.Refresh(ctx, "not.a.jwt", ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want %v", err, ErrInvalidToken)
		}
	})

	t.Run("access token presented as refresh", func(t *testing.T) {
		access, _, err := env.tokens.MintAccess(env.user.ID, env.user.Roles, "")
		if err != nil {
			t.Fatalf("mint failed: %v", err)
		}
		if _, err := env.server.Refresh(ctx, access, ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want %v", err, ErrInvalidToken)
		}
	})

	t.Run("valid token with no record", func(t *testing.T) {
		refresh, _, err := env.tokens.MintRefresh(env.user.ID)
		if err != nil {
			t.Fatalf("mint failed: %v", err)
		}
		if _, err := env.server.Refresh(ctx, refresh, ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want %v", err, ErrInvalidToken)
		}
	})

	t.Run("deactivated user", func(t *testing.T) {
		challenge, verifier := testutil.GeneratePKCEPair()
		rawCode, _ := env.authorize(t, challenge)
		pair, err := env.exchange(rawCode, verifier)
		if err != nil {
			t.Fatalf("exchange failed: %v", err)
		}

		deactivated := *env.user
		deactivated.Active = false
		if err := env.store.SaveUser(ctx, &deactivated); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		t.Cleanup(func() { _ = env.store.SaveUser(ctx, env.user) })

		if _, err := env.server.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want %v", err, ErrInvalidToken)
		}
	})
}

func TestRefresh_PicksUpRoleChanges(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	ctx := context.Background()
	promoted := *env.user
	promoted.Roles = []string{"user", "auditor"}
	if err := env.store.SaveUser(ctx, &promoted); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	newPair, err := env.server.Refresh(ctx, pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	claims, err := env.tokens.Verify(newPair.AccessToken, token.AudienceAccess)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if strings.Join(claims.Roles, " ") != "user auditor" {
		t.Errorf("roles = %v, want [user auditor]", claims.Roles)
	}
}

func TestLogout_RevokesAccessAndChain(t *testing.T) {
	env := newTestEnv(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	ctx := context.Background()
	env.server.Logout(ctx, pair.AccessToken, pair.RefreshToken, "")

	// Access jti is in the revocation registry.
	accessClaims, err := env.tokens.Verify(pair.AccessToken, token.AudienceAccess)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	revoked, err := env.store.IsRevoked(ctx, accessClaims.ID)
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Error("access jti was not revoked")
	}

	// The refresh chain is dead.
	if _, err := env.server.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh after logout error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Garbage tokens, empty tokens, repeated calls: none may panic or fail.
	env.server.Logout(ctx, "", "", "")
	env.server.Logout(ctx, "garbage", "garbage", "")

	challenge, verifier := testutil.GeneratePKCEPair()
	rawCode, _ := env.authorize(t, challenge)
	pair, err := env.exchange(rawCode, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	env.server.Logout(ctx, pair.AccessToken, pair.RefreshToken, "")
	env.server.Logout(ctx, pair.AccessToken, pair.RefreshToken, "")
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		user, err := env.server.Authenticate(ctx, env.user.Email, testPassword, "")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if user.ID != env.user.ID {
			t.Errorf("user ID = %q, want %q", user.ID, env.user.ID)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := env.server.Authenticate(ctx, env.user.Email, "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("error = %v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		if _, err := env.server.Authenticate(ctx, "nobody@example.com", testPassword, ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("error = %v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("deactivated account", func(t *testing.T) {
		inactive := testutil.GenerateTestUser(t, testPassword)
		inactive.Active = false
		if err := env.store.SaveUser(ctx, inactive); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if _, err := env.server.Authenticate(ctx, inactive.Email, testPassword, ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("error = %v, want %v", err, ErrInvalidCredentials)
		}
	})
}

func TestNew_Validation(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	keys, err := token.GenerateKeyProvider()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	tokens, err := token.NewService(keys, token.Config{})
	if err != nil {
		t.Fatalf("token service failed: %v", err)
	}
	hasher := password.NewBcryptHasher(bcrypt.MinCost)

	if _, err := New(nil, tokens, hasher, nil, nil); err == nil {
		t.Error("New accepted nil store")
	}
	if _, err := New(store, nil, hasher, nil, nil); err == nil {
		t.Error("New accepted nil token service")
	}
	if _, err := New(store, tokens, nil, nil, nil); err == nil {
		t.Error("New accepted nil hasher")
	}

	srv, err := New(store, tokens, hasher, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if srv.Config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("default code TTL = %v, want %v", srv.Config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
}
