package authz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pilab-dev/shadow-authz/internal/httpenc"
	"github.com/pilab-dev/shadow-authz/internal/metrics"
)

const (
	headerContentType         = "Content-Type"
	headerAuthorization       = "Authorization"
	contentTypeFormURLEncoded = "application/x-www-form-urlencoded"

	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// exchangeCode posts the authorization-code grant to the token endpoint.
// Client credentials go in the Authorization header,
// https://tools.ietf.org/html/rfc6749#section-2.3.1. A nil response means
// the provider was unreachable; non-200 statuses are returned as-is for
// the caller to classify.
func (f *Filter) exchangeCode(ctx context.Context, code string) (*HTTPResponse, error) {
	body := httpenc.EncodeFormData(url.Values{
		"code":         []string{code},
		"redirect_uri": []string{f.cfg.Callback.URL()},
		"grant_type":   []string{grantAuthorizationCode},
	})
	headers := map[string]string{
		headerContentType:   contentTypeFormURLEncoded,
		headerAuthorization: httpenc.EncodeBasicAuth(f.cfg.ClientID, f.cfg.ClientSecret),
	}

	start := time.Now()
	resp, err := f.httpClient.PostForm(ctx, f.cfg.Token.URL(), headers, body)
	metrics.IdPExchangeDuration.WithLabelValues(grantAuthorizationCode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IdPExchangeTotal.WithLabelValues(grantAuthorizationCode, "unreachable").Inc()
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		metrics.IdPExchangeTotal.WithLabelValues(grantAuthorizationCode, "ok").Inc()
	} else {
		metrics.IdPExchangeTotal.WithLabelValues(grantAuthorizationCode, "rejected").Inc()
	}
	return resp, nil
}

// refreshTokens posts the refresh-token grant,
// https://openid.net/specs/openid-connect-core-1_0.html#RefreshTokens, and
// merges the response into the existing token response via the parser.
func (f *Filter) refreshTokens(ctx context.Context, existing *TokenResponse) (*TokenResponse, error) {
	body := httpenc.EncodeFormData(url.Values{
		"client_id":     []string{f.cfg.ClientID},
		"client_secret": []string{f.cfg.ClientSecret},
		"grant_type":    []string{grantRefreshToken},
		"refresh_token": []string{existing.RefreshToken},
		"scope":         []string{f.scopeString()},
	})
	headers := map[string]string{
		headerContentType: contentTypeFormURLEncoded,
	}

	start := time.Now()
	resp, err := f.httpClient.PostForm(ctx, f.cfg.Token.URL(), headers, body)
	metrics.IdPExchangeDuration.WithLabelValues(grantRefreshToken).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IdPExchangeTotal.WithLabelValues(grantRefreshToken, "unreachable").Inc()
		return nil, fmt.Errorf("refresh grant: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.IdPExchangeTotal.WithLabelValues(grantRefreshToken, "rejected").Inc()
		return nil, fmt.Errorf("refresh grant: token endpoint returned %d", resp.StatusCode)
	}
	metrics.IdPExchangeTotal.WithLabelValues(grantRefreshToken, "ok").Inc()

	merged, err := f.parser.ParseRefreshTokenResponse(ctx, existing, f.cfg.ClientID, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("refresh grant: %w", err)
	}
	return merged, nil
}
