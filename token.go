package authz

// TokenResponse holds the tokens obtained from the identity provider for
// one session. The ID token is always present; the access and refresh
// tokens are optional and independent of each other. Expiries are absolute
// unix seconds.
type TokenResponse struct {
	IDToken           string `json:"id_token"`
	IDTokenExpiry     int64  `json:"id_token_expiry"`
	AccessToken       string `json:"access_token,omitempty"`
	AccessTokenExpiry *int64 `json:"access_token_expiry,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
}

// HasAccessToken reports whether the provider issued an access token.
func (tr *TokenResponse) HasAccessToken() bool {
	return tr.AccessToken != ""
}

// HasRefreshToken reports whether the provider issued a refresh token.
func (tr *TokenResponse) HasRefreshToken() bool {
	return tr.RefreshToken != ""
}

// Expired reports whether the ID token, or the access token when its expiry
// is known, has passed the given instant. The access-token check only
// applies when the provider sent expires_in: the OAuth spec does not
// require it.
func (tr *TokenResponse) Expired(nowUnix int64) bool {
	if tr.IDTokenExpiry < nowUnix {
		return true
	}
	return tr.AccessTokenExpiry != nil && *tr.AccessTokenExpiry < nowUnix
}
