package identity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/crypto/bcrypt"

	"github.com/quartzlabs/identity/instrumentation"
	"github.com/quartzlabs/identity/internal/testutil"
	"github.com/quartzlabs/identity/password"
	"github.com/quartzlabs/identity/principal"
	"github.com/quartzlabs/identity/server"
	"github.com/quartzlabs/identity/storage"
	"github.com/quartzlabs/identity/storage/memory"
	"github.com/quartzlabs/identity/token"
)

const testPassword = "s3cret-pass-word"

type handlerEnv struct {
	mux     *http.ServeMux
	store   *memory.Store
	srv     *server.Server
	handler *Handler
	user    *storage.User
	client  *storage.Client
}

func newHandlerEnv(t *testing.T, cfg *Config) *handlerEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	t.Cleanup(store.Stop)

	keys, err := token.GenerateKeyProvider()
	testutil.AssertNoError(t, err)
	tokens, err := token.NewService(keys, token.Config{})
	testutil.AssertNoError(t, err)

	srv, err := server.New(store, tokens, password.NewBcryptHasher(bcrypt.MinCost), nil, logger)
	testutil.AssertNoError(t, err)

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:8080"
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "identity_session"
	}

	resolver := principal.NewResolver(tokens, store, store, logger)

	h, err := NewHandler(srv, resolver, cfg, logger)
	testutil.AssertNoError(t, err)
	t.Cleanup(h.Stop)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	ctx := context.Background()
	user := testutil.GenerateTestUser(t, testPassword)
	testutil.AssertNoError(t, store.SaveUser(ctx, user))
	client := testutil.GenerateTestClient()
	testutil.AssertNoError(t, store.SaveClient(ctx, client))

	return &handlerEnv{mux: mux, store: store, srv: srv, handler: h, user: user, client: client}
}

func (e *handlerEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// login posts valid credentials and returns the session cookie.
func (e *handlerEnv) login(t *testing.T) *http.Cookie {
	t.Helper()

	form := url.Values{
		"email":    {e.user.Email},
		"password": {testPassword},
	}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := e.do(req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "identity_session" && c.Value != "" {
			return c
		}
	}
	t.Fatal("login response did not set a session cookie")
	return nil
}

// authorize runs GET /authorize with a session and returns the issued code.
func (e *handlerEnv) authorize(t *testing.T, session *http.Cookie, challenge, state string) string {
	t.Helper()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {e.client.ClientID},
		"redirect_uri":          {e.client.RedirectURIs[0]},
		"scope":                 {"openid"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.AddCookie(session)
	rec := e.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d: %s", rec.Code, http.StatusFound, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	if got := loc.Query().Get("state"); got != state {
		t.Fatalf("redirect state = %q, want %q", got, state)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	return code
}

// exchange posts the code to /token and returns the decoded pair.
func (e *handlerEnv) exchange(t *testing.T, code, verifier string) (*TokenResponse, *httptest.ResponseRecorder) {
	t.Helper()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {e.client.RedirectURIs[0]},
		"client_id":     {e.client.ClientID},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := e.do(req)

	if rec.Code != http.StatusOK {
		return nil, rec
	}
	var pair TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&pair))
	return &pair, rec
}

func (e *handlerEnv) refresh(t *testing.T, refreshToken string) (*TokenResponse, *httptest.ResponseRecorder) {
	t.Helper()

	body, err := json.Marshal(RefreshRequest{RefreshToken: refreshToken})
	testutil.AssertNoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)

	if rec.Code != http.StatusOK {
		return nil, rec
	}
	var pair TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&pair))
	return &pair, rec
}

func (e *handlerEnv) tokenPair(t *testing.T) *TokenResponse {
	t.Helper()

	session := e.login(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := e.authorize(t, session, challenge, "state-12345678")
	pair, rec := e.exchange(t, code, verifier)
	if pair == nil {
		t.Fatalf("exchange failed: %d %s", rec.Code, rec.Body.String())
	}
	return pair
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) *ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return &resp
}

func TestServeLogin_GetRendersForm(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/login?next=%2Fauthorize%3Fclient_id%3Dabc", nil)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	body := rec.Body.String()
	if !strings.Contains(body, `name="email"`) || !strings.Contains(body, `name="password"`) {
		t.Errorf("login page is missing the credential fields: %s", body)
	}
	if !strings.Contains(body, "/authorize?client_id=abc") {
		t.Errorf("login page does not carry the next target: %s", body)
	}
}

func TestServeLogin_ValidCredentials(t *testing.T) {
	env := newHandlerEnv(t, nil)

	session := env.login(t)

	if !session.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}
	if session.Value == "" {
		t.Error("session cookie is empty")
	}
}

func TestServeLogin_InvalidCredentials(t *testing.T) {
	env := newHandlerEnv(t, nil)

	form := url.Values{
		"email":    {env.user.Email},
		"password": {"not-the-password"},
	}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	for _, c := range rec.Result().Cookies() {
		if c.Name == "identity_session" && c.Value != "" {
			t.Error("failed login set a session cookie")
		}
	}
}

func TestServeLogin_UnsafeNextFallsBackToRoot(t *testing.T) {
	env := newHandlerEnv(t, nil)

	for _, next := range []string{"https://evil.example.com/", "//evil.example.com/", "", "no-leading-slash"} {
		form := url.Values{
			"email":    {env.user.Email},
			"password": {testPassword},
			"next":     {next},
		}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := env.do(req)

		testutil.AssertEqual(t, rec.Code, http.StatusSeeOther)
		if loc := rec.Header().Get("Location"); loc != "/" {
			t.Errorf("next=%q redirected to %q, want /", next, loc)
		}
	}
}

func TestServeAuthorization_RequiresSession(t *testing.T) {
	env := newHandlerEnv(t, nil)

	target := "/authorize?response_type=code&client_id=" + env.client.ClientID
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusFound)
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/login?next=") {
		t.Fatalf("unauthenticated authorize redirected to %q, want /login?next=...", loc)
	}
	next, err := url.QueryUnescape(strings.TrimPrefix(loc, "/login?next="))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, next, target)
}

func TestServeAuthorization_GarbageSessionCookie(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code", nil)
	req.AddCookie(&http.Cookie{Name: "identity_session", Value: "not-a-jwt"})
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusFound)
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/login?next=") {
		t.Errorf("garbage session redirected to %q, want /login", loc)
	}
}

func TestServeAuthorization_IssuesCode(t *testing.T) {
	env := newHandlerEnv(t, nil)

	session := env.login(t)
	challenge, _ := testutil.GeneratePKCEPair()
	code := env.authorize(t, session, challenge, "state-12345678")

	if len(code) < 32 {
		t.Errorf("issued code is suspiciously short: %q", code)
	}
}

func TestServeAuthorization_InvalidScope(t *testing.T) {
	env := newHandlerEnv(t, nil)

	session := env.login(t)
	challenge, _ := testutil.GeneratePKCEPair()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {env.client.ClientID},
		"redirect_uri":          {env.client.RedirectURIs[0]},
		"scope":                 {"admin"},
		"state":                 {"state-12345678"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.AddCookie(session)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidScope)
}

func TestServeAuthorization_MismatchedRedirectURI(t *testing.T) {
	env := newHandlerEnv(t, nil)

	session := env.login(t)
	challenge, _ := testutil.GeneratePKCEPair()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {env.client.ClientID},
		"redirect_uri":          {env.client.RedirectURIs[0] + "/extra"},
		"scope":                 {"openid"},
		"state":                 {"state-12345678"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.AddCookie(session)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidRequest)
}

func TestServeToken_FullFlow(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	testutil.AssertEqual(t, pair.TokenType, "Bearer")
	testutil.AssertEqual(t, pair.ExpiresIn, 900)
	testutil.AssertEqual(t, pair.Scope, "openid")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("token response is missing a token")
	}
}

func TestServeToken_WrongGrantType(t *testing.T) {
	env := newHandlerEnv(t, nil)

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeUnsupportedGrantType)
}

func TestServeToken_UnknownCode(t *testing.T) {
	env := newHandlerEnv(t, nil)

	_, verifier := testutil.GeneratePKCEPair()
	pair, rec := env.exchange(t, "no-such-code", verifier)
	if pair != nil {
		t.Fatal("exchange of an unknown code succeeded")
	}
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidGrant)
}

func TestServeToken_CodeReplay(t *testing.T) {
	env := newHandlerEnv(t, nil)

	session := env.login(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, session, challenge, "state-12345678")

	pair, rec := env.exchange(t, code, verifier)
	if pair == nil {
		t.Fatalf("first exchange failed: %d %s", rec.Code, rec.Body.String())
	}

	pair, rec = env.exchange(t, code, verifier)
	if pair != nil {
		t.Fatal("replayed code was exchanged a second time")
	}
	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidGrant)
}

func TestServeRefresh_RotatesPair(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	rotated, rec := env.refresh(t, pair.RefreshToken)
	if rotated == nil {
		t.Fatalf("refresh failed: %d %s", rec.Code, rec.Body.String())
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	testutil.AssertEqual(t, rotated.Scope, "openid")
	testutil.AssertEqual(t, rotated.ExpiresIn, 900)
}

func TestServeRefresh_ReuseRejected(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	rotated, rec := env.refresh(t, pair.RefreshToken)
	if rotated == nil {
		t.Fatalf("refresh failed: %d %s", rec.Code, rec.Body.String())
	}

	// Presenting the already-rotated token revokes the chain.
	if reused, reusedRec := env.refresh(t, pair.RefreshToken); reused != nil {
		t.Fatal("reused refresh token was accepted")
	} else {
		testutil.AssertEqual(t, reusedRec.Code, http.StatusUnauthorized)
		if reusedRec.Header().Get("WWW-Authenticate") == "" {
			t.Error("401 response is missing WWW-Authenticate")
		}
	}

	// The chain is dead; the legitimate successor is dead with it.
	if successor, _ := env.refresh(t, rotated.RefreshToken); successor != nil {
		t.Fatal("successor of a breached chain still refreshes")
	}
}

func TestServeRefresh_MissingBody(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusBadRequest)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidRequest)
}

func TestServeRefresh_GarbageToken(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair, rec := env.refresh(t, "not-a-jwt")
	if pair != nil {
		t.Fatal("garbage refresh token was accepted")
	}
	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	resp := decodeErrorResponse(t, rec)
	testutil.AssertEqual(t, resp.Error, ErrorCodeInvalidToken)
}

func TestServeLogout_RevokesAndClearsSession(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	body, err := json.Marshal(LogoutRequest{RefreshToken: pair.RefreshToken})
	testutil.AssertNoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusNoContent)

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "identity_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	testutil.AssertTrue(t, cleared, "logout did not clear the session cookie")

	// The access token is revoked.
	infoReq := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	infoReq.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	infoRec := env.do(infoReq)
	testutil.AssertEqual(t, infoRec.Code, http.StatusUnauthorized)

	// The refresh chain is revoked.
	if rotated, _ := env.refresh(t, pair.RefreshToken); rotated != nil {
		t.Fatal("refresh token survived logout")
	}
}

func TestServeLogout_AlwaysNoContent(t *testing.T) {
	env := newHandlerEnv(t, nil)

	for _, auth := range []string{"", "Bearer garbage"} {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader("not json"))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := env.do(req)
		testutil.AssertEqual(t, rec.Code, http.StatusNoContent)
	}
}

func TestServeUserInfo(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	var info UserInfoResponse
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&info))
	testutil.AssertEqual(t, info.Sub, env.user.ID)
	testutil.AssertEqual(t, info.Scope, "openid")
	if len(info.Roles) != 1 || info.Roles[0] != "user" {
		t.Errorf("roles = %v, want [user]", info.Roles)
	}
}

func TestServeUserInfo_Unauthorized(t *testing.T) {
	env := newHandlerEnv(t, nil)

	tests := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := env.do(req)

			testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 response is missing WWW-Authenticate")
			}
		})
	}
}

func TestServeUserInfo_RefreshTokenRejected(t *testing.T) {
	env := newHandlerEnv(t, nil)

	pair := env.tokenPair(t)

	// A refresh token must not pass as an access token.
	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
}

func TestLoginRateLimit(t *testing.T) {
	env := newHandlerEnv(t, &Config{
		RateLimit: RateLimitConfig{LoginPerMinute: 1, LoginBurst: 1},
	})

	form := url.Values{
		"email":    {env.user.Email},
		"password": {"wrong"},
	}

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:4444"
	first := env.do(req)
	testutil.AssertEqual(t, first.Code, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:4444"
	second := env.do(req)

	testutil.AssertEqual(t, second.Code, http.StatusTooManyRequests)
	testutil.AssertEqual(t, second.Header().Get("Retry-After"), "60")
	resp := decodeErrorResponse(t, second)
	testutil.AssertEqual(t, resp.Error, ErrorCodeRateLimitExceeded)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newHandlerEnv(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/authorize"},
		{http.MethodGet, "/token"},
		{http.MethodGet, "/auth/refresh"},
		{http.MethodGet, "/auth/logout"},
		{http.MethodPost, "/userinfo"},
		{http.MethodDelete, "/login"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := env.do(req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, http.StatusMethodNotAllowed)
		}
	}
}

func TestSecurityHeadersOnErrors(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	rec := env.do(req)

	testutil.AssertEqual(t, rec.Header().Get("X-Frame-Options"), "DENY")
	testutil.AssertEqual(t, rec.Header().Get("X-Content-Type-Options"), "nosniff")
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want it to contain no-store", cc)
	}
}

// countingMeterProvider records Int64Counter increments per instrument name,
// delegating everything else to the no-op implementations.
type countingMeterProvider struct {
	mnoop.MeterProvider
	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

func newCountingMeterProvider() *countingMeterProvider {
	return &countingMeterProvider{counts: make(map[string]*atomic.Int64)}
}

func (p *countingMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return &countingMeter{provider: p}
}

func (p *countingMeterProvider) counter(name string) *atomic.Int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counts[name]
	if !ok {
		c = &atomic.Int64{}
		p.counts[name] = c
	}
	return c
}

func (p *countingMeterProvider) count(name string) int64 {
	return p.counter(name).Load()
}

type countingMeter struct {
	mnoop.Meter
	provider *countingMeterProvider
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return &countingInt64Counter{value: m.provider.counter(name)}, nil
}

type countingInt64Counter struct {
	mnoop.Int64Counter
	value *atomic.Int64
}

func (c *countingInt64Counter) Add(_ context.Context, incr int64, _ ...metric.AddOption) {
	c.value.Add(incr)
}

func TestAuthorizationStartedCountedOncePerFlow(t *testing.T) {
	env := newHandlerEnv(t, nil)

	provider := newCountingMeterProvider()
	inst, err := instrumentation.New(instrumentation.Config{MeterProvider: provider})
	testutil.AssertNoError(t, err)
	env.srv.SetInstrumentation(inst)
	env.handler.SetInstrumentation(inst)

	session := env.login(t)
	challenge, _ := testutil.GeneratePKCEPair()
	env.authorize(t, session, challenge, "state-12345678")

	// The flow layer owns the outcome metric; the HTTP layer must not add a
	// second increment on top.
	if got := provider.count("identity.authorization.started"); got != 1 {
		t.Errorf("one authorization flow incremented identity.authorization.started %d times, want 1", got)
	}
}
