package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pilab-dev/shadow-authz/log"
)

// KeyProvider resolves signing keys by key id. *JWKSProvider is the
// production implementation.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (interface{}, error)
}

// keyProviderAdapter lets *JWKSProvider satisfy KeyProvider without
// widening its own return type.
type keyProviderAdapter struct {
	jwks *JWKSProvider
}

func (a keyProviderAdapter) Key(ctx context.Context, kid string) (interface{}, error) {
	return a.jwks.Key(ctx, kid)
}

// Parser is the default TokenResponseParser: it verifies the id_token
// signature against a KeyProvider, checks audience and nonce, and derives
// absolute expiries.
type Parser struct {
	keys   KeyProvider
	logger log.Logger
	now    func() time.Time
}

// NewParser creates a Parser backed by the given JWKS provider.
func NewParser(jwks *JWKSProvider, logger log.Logger) *Parser {
	return &Parser{keys: keyProviderAdapter{jwks: jwks}, logger: logger, now: time.Now}
}

// NewParserWithKeys creates a Parser with a custom key provider. Tests use
// this to supply static keys.
func NewParserWithKeys(keys KeyProvider, logger log.Logger) *Parser {
	return &Parser{keys: keys, logger: logger, now: time.Now}
}

var _ TokenResponseParser = (*Parser)(nil)

// rawTokenResponse is the wire shape of a token endpoint response,
// https://tools.ietf.org/html/rfc6749#section-5.1.
type rawTokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Parse implements TokenResponseParser.
func (p *Parser) Parse(ctx context.Context, clientID, nonce string, body []byte) (*TokenResponse, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if raw.IDToken == "" {
		return nil, ErrMissingIDToken
	}

	claims, err := p.verifyIDToken(ctx, raw.IDToken, clientID)
	if err != nil {
		return nil, err
	}
	if gotNonce, _ := claims["nonce"].(string); gotNonce != nonce {
		return nil, ErrNonceMismatch
	}

	return p.buildTokenResponse(raw, claims)
}

// ParseRefreshTokenResponse implements TokenResponseParser. Rotation
// policy: the previous refresh_token (and access token, and even id_token)
// is carried forward when the refresh response omits it; a present field
// replaces the old value. Refresh responses carry no login nonce, so only
// signature and audience are checked on a refreshed id_token.
func (p *Parser) ParseRefreshTokenResponse(ctx context.Context, existing *TokenResponse, clientID string, body []byte) (*TokenResponse, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}

	merged := *existing

	if raw.IDToken != "" {
		claims, err := p.verifyIDToken(ctx, raw.IDToken, clientID)
		if err != nil {
			return nil, err
		}
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return nil, fmt.Errorf("refreshed id token missing exp claim")
		}
		merged.IDToken = raw.IDToken
		merged.IDTokenExpiry = exp.Unix()
	}
	if raw.AccessToken != "" {
		merged.AccessToken = raw.AccessToken
		merged.AccessTokenExpiry = nil
		if raw.ExpiresIn > 0 {
			expiry := p.now().Unix() + raw.ExpiresIn
			merged.AccessTokenExpiry = &expiry
		}
	}
	if raw.RefreshToken != "" {
		merged.RefreshToken = raw.RefreshToken
	}

	return &merged, nil
}

func (p *Parser) verifyIDToken(ctx context.Context, idToken, clientID string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(clientID),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(idToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return p.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}
	return claims, nil
}

func (p *Parser) buildTokenResponse(raw rawTokenResponse, claims jwt.MapClaims) (*TokenResponse, error) {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("id token missing exp claim")
	}

	tr := &TokenResponse{
		IDToken:       raw.IDToken,
		IDTokenExpiry: exp.Unix(),
		AccessToken:   raw.AccessToken,
		RefreshToken:  raw.RefreshToken,
	}
	// The OAuth spec does not require expires_in; record the access token
	// expiry only when the provider sent one.
	if raw.AccessToken != "" && raw.ExpiresIn > 0 {
		expiry := p.now().Unix() + raw.ExpiresIn
		tr.AccessTokenExpiry = &expiry
	}
	return tr, nil
}
