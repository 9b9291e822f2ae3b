package identity

// TokenResponse is the JSON body of a successful /token or /auth/refresh
// response, per RFC 6749 §5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RefreshRequest is the JSON body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest is the JSON body of POST /auth/logout. The refresh token is
// optional; when present its whole chain is revoked.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// UserInfoResponse is the JSON body of GET /userinfo.
type UserInfoResponse struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
	Scope string   `json:"scope,omitempty"`
}

// ErrorResponse is the JSON error body, per RFC 6749 §5.2.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
