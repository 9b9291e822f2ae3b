package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quartzlabs/identity/instrumentation"
	"github.com/quartzlabs/identity/principal"
	"github.com/quartzlabs/identity/security"
	"github.com/quartzlabs/identity/server"
	"github.com/quartzlabs/identity/token"
)

const tokenTypeBearer = "Bearer"

// loginPage is the authorization server's own credential form. It is
// deliberately minimal; deployments front it with their own UI.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="next" value="{{.Next}}">
<label>Email <input type="email" name="email" required autofocus></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

type loginPageData struct {
	Next  string
	Error string
}

// Handler serves the HTTP endpoints of the authorization server. It owns the
// protocol surface only; all flow decisions live in the server package.
type Handler struct {
	server   *server.Server
	resolver *principal.Resolver
	config   *Config
	logger   *slog.Logger

	tracer trace.Tracer
	inst   *instrumentation.Instrumentation

	auditor *security.Auditor

	// ipLimiter guards the token endpoints, loginLimiter the credential
	// form. Login gets a much tighter budget because each attempt costs a
	// bcrypt comparison and probes a credential.
	ipLimiter    *security.RateLimiter
	loginLimiter *security.RateLimiter
}

// NewHandler creates the HTTP handler. resolver may be nil when /userinfo is
// not served.
func NewHandler(srv *server.Server, resolver *principal.Resolver, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   srv,
		resolver: resolver,
		config:   config,
		logger:   logger,
	}

	if config.RateLimit.Rate > 0 {
		h.ipLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}
	if config.RateLimit.LoginPerMinute > 0 {
		h.loginLimiter = security.NewRateLimiter(config.RateLimit.LoginPerMinute/60, config.RateLimit.LoginBurst, logger)
	}

	return h, nil
}

// SetAuditor sets the security auditor for rate-limit events.
func (h *Handler) SetAuditor(aud *security.Auditor) {
	h.auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// RegisterRoutes registers every endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/login", h.ServeLogin)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/auth/refresh", h.ServeRefresh)
	mux.HandleFunc("/auth/logout", h.ServeLogout)
	mux.HandleFunc("/userinfo", h.ServeUserInfo)
}

// Stop releases the rate limiters' background goroutines.
func (h *Handler) Stop() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
	if h.loginLimiter != nil {
		h.loginLimiter.Stop()
	}
}

// ServeLogin serves the credential form and handles its submission. A
// successful POST mints a session token, sets it as an HttpOnly cookie, and
// redirects to the next URL.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.login")
		defer span.End()
		r = r.WithContext(ctx)
	}

	switch r.Method {
	case http.MethodGet:
		security.SetSecurityHeaders(w, h.config.PublicURL)
		h.renderLoginPage(w, r.URL.Query().Get("next"), "", http.StatusOK)
		h.recordHTTPMetrics("login", http.MethodGet, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		return

	case http.MethodPost:
	default:
		h.recordHTTPMetrics("login", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)

	if !h.checkLoginRateLimit(w, ctx, clientIP) {
		h.recordHTTPMetrics("login", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("login", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "malformed form")
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	email := r.PostFormValue("email")
	pass := r.PostFormValue("password")
	next := safeNextPath(r.PostFormValue("next"))

	user, err := h.server.Authenticate(ctx, email, pass, clientIP)
	if err != nil {
		h.recordHTTPMetrics("login", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "authentication failed")
		security.SetSecurityHeaders(w, h.config.PublicURL)
		h.renderLoginPage(w, next, "Invalid email or password.", http.StatusUnauthorized)
		return
	}

	sessionToken, _, err := h.server.Tokens().MintSession(user.ID)
	if err != nil {
		h.logger.Error("Failed to mint session token", "error", err)
		h.recordHTTPMetrics("login", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, ErrServerError("failed to establish session"))
		return
	}

	h.setSessionCookie(w, sessionToken)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrUserID, user.ID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("login", http.MethodPost, http.StatusSeeOther, startTime)

	http.Redirect(w, r, next, http.StatusSeeOther)
}

// ServeAuthorization handles GET /authorize. An unauthenticated browser is
// sent to /login with the full authorize URL as the return target; an
// authenticated one gets a single-use code on the client's redirect URI.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := h.sessionUserID(r)
	if !ok {
		loginURL := "/login?next=" + url.QueryEscape(r.URL.RequestURI())
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		instrumentation.SetSpanAttributes(span, attribute.Bool("identity.session_redirect", true))
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	redirectURL, err := h.server.Authorize(ctx, req, userID)
	if err != nil {
		status := h.writeFlowError(w, err, "authorization request rejected")
		h.recordHTTPMetrics("authorization", http.MethodGet, status, startTime)
		instrumentation.SetSpanError(span, "authorize rejected")
		return
	}

	h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /token: the authorization-code grant with PKCE.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if !h.checkIPRateLimit(w, ctx, clientIP, "token") {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "malformed form")
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType != server.GrantTypeAuthorizationCode {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported grant type")
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
		return
	}

	req := &server.ExchangeRequest{
		GrantType:    grantType,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, grantType))

	pair, err := h.server.Exchange(ctx, req, clientIP)
	if err != nil {
		status := h.writeFlowError(w, err, "token request rejected")
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.SetSpanError(span, "exchange rejected")
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// ServeRefresh handles POST /auth/refresh. Every rejection is the same
// generic 401 so callers cannot distinguish expiry, revocation, and reuse.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.refresh")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("refresh", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)
	if !h.checkIPRateLimit(w, ctx, clientIP, "refresh") {
		h.recordHTTPMetrics("refresh", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		h.recordHTTPMetrics("refresh", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "malformed body")
		h.writeOAuthError(w, ErrInvalidRequest("refreshToken is required"))
		return
	}

	pair, err := h.server.Refresh(ctx, req.RefreshToken, clientIP)
	if err != nil {
		status := h.writeFlowError(w, err, "refresh rejected")
		h.recordHTTPMetrics("refresh", http.MethodPost, status, startTime)
		instrumentation.SetSpanError(span, "refresh rejected")
		return
	}

	h.recordHTTPMetrics("refresh", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// ServeLogout handles POST /auth/logout. It always answers 204: revocation is
// best effort and the response leaks nothing about token validity.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.logout")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("logout", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy)

	accessToken, _ := bearerToken(r)

	var req LogoutRequest
	if r.Body != nil {
		// A missing or malformed body is fine; logout succeeds regardless.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	h.server.Logout(ctx, accessToken, req.RefreshToken, clientIP)
	h.clearSessionCookie(w)

	h.recordHTTPMetrics("logout", http.MethodPost, http.StatusNoContent, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config.PublicURL)
	w.WriteHeader(http.StatusNoContent)
}

// ServeUserInfo handles GET /userinfo, a bearer-protected resource that
// returns the resolved principal. 401 means the identity could not be
// established; 403 means it could but access is denied.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "identity.http.userinfo")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.resolver == nil {
		h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusNotFound, startTime)
		http.NotFound(w, r)
		return
	}

	raw, ok := bearerToken(r)
	if !ok {
		h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "missing bearer token")
		h.writeOAuthError(w, ErrInvalidToken("missing bearer token"))
		return
	}

	p, err := h.resolver.ResolveAccess(ctx, raw)
	if err != nil {
		var oauthErr *OAuthError
		switch {
		case errors.Is(err, principal.ErrUnauthenticated):
			oauthErr = ErrInvalidToken("invalid or expired token")
		case errors.Is(err, principal.ErrForbidden):
			oauthErr = ErrAccessDenied("access denied")
		default:
			h.logger.Error("Failed to resolve principal", "error", err)
			oauthErr = ErrServerError("failed to resolve principal")
		}
		h.recordHTTPMetrics("userinfo", http.MethodGet, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrUserID, p.UserID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, UserInfoResponse{
		Sub:   p.UserID,
		Roles: p.Roles,
		Scope: p.Scope,
	})
}

// sessionUserID resolves the session cookie into a user ID. Any failure
// means no session.
func (h *Handler) sessionUserID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(h.config.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	claims, err := h.server.Tokens().Verify(cookie.Value, token.AudienceSession)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(h.server.Tokens().SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.config.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.config.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) renderLoginPage(w http.ResponseWriter, next, errMsg string, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, loginPageData{Next: next, Error: errMsg}); err != nil {
		h.logger.Error("Failed to render login page", "error", err)
	}
}

// safeNextPath confines post-login redirects to local paths. Anything that
// could leave the origin, including protocol-relative URLs, falls back to /.
func safeNextPath(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (h *Handler) checkIPRateLimit(w http.ResponseWriter, ctx context.Context, clientIP, endpoint string) bool {
	if h.ipLimiter == nil || h.ipLimiter.Allow(clientIP) {
		return true
	}
	h.rejectRateLimited(w, ctx, clientIP, "ip_"+endpoint)
	return false
}

func (h *Handler) checkLoginRateLimit(w http.ResponseWriter, ctx context.Context, clientIP string) bool {
	if h.loginLimiter == nil || h.loginLimiter.Allow(clientIP) {
		return true
	}
	h.rejectRateLimited(w, ctx, clientIP, "login")
	return false
}

func (h *Handler) rejectRateLimited(w http.ResponseWriter, ctx context.Context, clientIP, limiterType string) {
	if h.auditor != nil {
		h.auditor.LogRateLimitExceeded(clientIP, "")
	}
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(ctx, limiterType)
	}
	w.Header().Set("Retry-After", "60")
	h.writeOAuthError(w, ErrRateLimitExceeded("too many requests, please retry later"))
}

// writeFlowError maps a server flow error onto the OAuth taxonomy and writes
// it. The mapping is deliberately lossy: flows already collapsed the precise
// cause into a generic sentinel.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error, logMsg string) int {
	var oauthErr *OAuthError
	switch {
	case errors.Is(err, server.ErrInvalidScope):
		oauthErr = ErrInvalidScope("requested scope exceeds the client registration")
	case errors.Is(err, server.ErrInvalidRequest):
		oauthErr = ErrInvalidRequest("the request is missing a required parameter or is otherwise malformed")
	case errors.Is(err, server.ErrInvalidGrant):
		oauthErr = ErrInvalidGrant("the provided authorization grant is invalid, expired, or revoked")
	case errors.Is(err, server.ErrInvalidToken):
		oauthErr = ErrInvalidToken("invalid or expired token")
	case errors.Is(err, server.ErrInvalidCredentials):
		oauthErr = ErrInvalidToken("invalid credentials")
	default:
		h.logger.Error(logMsg, "error", err)
		oauthErr = ErrServerError("internal error")
	}
	h.writeOAuthError(w, oauthErr)
	return oauthErr.Status
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.config.PublicURL)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.config.PublicURL)
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("%s error=%q, error_description=%q", tokenTypeBearer, oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.inst == nil {
		return nil
	}
	return h.inst.Metrics()
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if m := h.metrics(); m != nil {
		m.RecordHTTPRequest(context.Background(), method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
	}
}
