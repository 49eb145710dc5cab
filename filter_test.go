package authz

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/pilab-dev/shadow-authz/config"
	"github.com/pilab-dev/shadow-authz/log"
)

const (
	testStateCookie     = "__Host-cookie-prefix-authservice-state-cookie"
	testSessionIDCookie = "__Host-cookie-prefix-authservice-session-id-cookie"
)

// MockSessionStore for filter tests.
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Get(ctx context.Context, sessionID string) (*TokenResponse, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TokenResponse), args.Error(1)
}

func (m *MockSessionStore) Set(ctx context.Context, sessionID string, tr *TokenResponse) error {
	args := m.Called(ctx, sessionID, tr)
	return args.Error(0)
}

func (m *MockSessionStore) Remove(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// MockHTTPClient for filter tests.
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) PostForm(ctx context.Context, url string, headers map[string]string, body string) (*HTTPResponse, error) {
	args := m.Called(ctx, url, headers, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*HTTPResponse), args.Error(1)
}

// MockParser for filter tests.
type MockParser struct {
	mock.Mock
}

func (m *MockParser) Parse(ctx context.Context, clientID, nonce string, body []byte) (*TokenResponse, error) {
	args := m.Called(ctx, clientID, nonce, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TokenResponse), args.Error(1)
}

func (m *MockParser) ParseRefreshTokenResponse(ctx context.Context, existing *TokenResponse, clientID string, body []byte) (*TokenResponse, error) {
	args := m.Called(ctx, existing, clientID, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TokenResponse), args.Error(1)
}

// fakeEncryptor is a deterministic stand-in for the AEAD encryptor. Like
// the real one it emits values free of cookie-special characters.
type fakeEncryptor struct{}

func (fakeEncryptor) Encrypt(plaintext string) string {
	return "enc." + base64.RawURLEncoding.EncodeToString([]byte(plaintext))
}

func (fakeEncryptor) Decrypt(value string) (string, error) {
	raw, ok := strings.CutPrefix(value, "enc.")
	if !ok {
		return "", errors.New("not a fake ciphertext")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

type fixedSessionIDGenerator struct{ id string }

func (g fixedSessionIDGenerator) Generate() string { return g.id }

func testConfig() *config.OIDCConfig {
	return &config.OIDCConfig{
		Authorization:    config.Endpoint{Scheme: "https", Hostname: "acme-idp.tld", Port: 443, Path: "/authorization"},
		Token:            config.Endpoint{Scheme: "https", Hostname: "acme-idp.tld", Port: 443, Path: "/token"},
		Callback:         config.Endpoint{Scheme: "https", Hostname: "me.tld", Port: 443, Path: "/callback"},
		ClientID:         "example-app",
		ClientSecret:     "example-app-secret",
		CookieNamePrefix: "cookie-prefix",
		Timeout:          300,
		LandingPage:      "https://me.tld/landing-page",
		Logout:           &config.LogoutConfig{Path: "/logout", RedirectToURI: "https://me.tld/after-logout"},
		IDToken:          config.HeaderConfig{Header: "Authorization", Preamble: "Bearer"},
	}
}

type filterFixture struct {
	filter     *Filter
	store      *MockSessionStore
	httpClient *MockHTTPClient
	parser     *MockParser
}

func newFilterFixture(cfg *config.OIDCConfig) *filterFixture {
	store := &MockSessionStore{}
	httpClient := &MockHTTPClient{}
	parser := &MockParser{}
	f := NewFilter(cfg, httpClient, parser, fakeEncryptor{}, fixedSessionIDGenerator{id: "generated-session-id"}, store, log.NewNop())
	return &filterFixture{filter: f, store: store, httpClient: httpClient, parser: parser}
}

func checkRequest(scheme, host, path string, headers map[string]string) *authv3.CheckRequest {
	if headers == nil {
		headers = map[string]string{}
	}
	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					Method:  "GET",
					Scheme:  scheme,
					Host:    host,
					Path:    path,
					Headers: headers,
				},
			},
		},
	}
}

func deniedHeaders(t *testing.T, resp *authv3.CheckResponse) map[string][]string {
	t.Helper()
	denied := resp.GetDeniedResponse()
	require.NotNil(t, denied, "expected a denied response")
	headers := map[string][]string{}
	for _, h := range denied.GetHeaders() {
		headers[h.GetHeader().GetKey()] = append(headers[h.GetHeader().GetKey()], h.GetHeader().GetValue())
	}
	return headers
}

func okHeaders(t *testing.T, resp *authv3.CheckResponse) map[string]string {
	t.Helper()
	okResp := resp.GetOkResponse()
	require.NotNil(t, okResp, "expected an ok response")
	headers := map[string]string{}
	for _, h := range okResp.GetHeaders() {
		headers[h.GetHeader().GetKey()] = h.GetHeader().GetValue()
	}
	return headers
}

func assertStatus(t *testing.T, resp *authv3.CheckResponse, code codes.Code) {
	t.Helper()
	assert.Equal(t, int32(code), resp.GetStatus().GetCode())
}

func assertNoCacheHeaders(t *testing.T, headers map[string][]string) {
	t.Helper()
	assert.Equal(t, []string{"no-cache"}, headers["Cache-Control"])
	assert.Equal(t, []string{"no-cache"}, headers["Pragma"])
}

func validTokenResponse() *TokenResponse {
	return &TokenResponse{
		IDToken:       "some-id-token-jwt",
		IDTokenExpiry: time.Now().Add(time.Hour).Unix(),
	}
}

var authorizationURLPattern = regexp.MustCompile(
	`^https://acme-idp\.tld/authorization\?client_id=example-app&nonce=[A-Za-z0-9_-]{43}&redirect_uri=https%3A%2F%2Fme\.tld%2Fcallback&response_type=code&scope=openid&state=[A-Za-z0-9_-]{43}$`)

func TestProcessMissingHTTPAttributes(t *testing.T) {
	fx := newFilterFixture(testConfig())

	resp := fx.filter.Process(context.Background(), &authv3.CheckRequest{})

	assertStatus(t, resp, codes.InvalidArgument)
	assertNoCacheHeaders(t, deniedHeaders(t, resp))
}

func TestProcessUnauthenticatedNoCookies(t *testing.T) {
	fx := newFilterFixture(testConfig())

	resp := fx.filter.Process(context.Background(), checkRequest("https", "me.tld", "/foo", nil))

	assertStatus(t, resp, codes.Unauthenticated)
	denied := resp.GetDeniedResponse()
	require.NotNil(t, denied)
	assert.Equal(t, typev3.StatusCode_Found, denied.GetStatus().GetCode())

	headers := deniedHeaders(t, resp)
	assertNoCacheHeaders(t, headers)

	require.Len(t, headers["Location"], 1)
	location := headers["Location"][0]
	assert.Regexp(t, authorizationURLPattern, location)

	setCookies := headers["Set-Cookie"]
	require.Len(t, setCookies, 2)

	var stateCookie, sessionCookie string
	for _, c := range setCookies {
		switch {
		case strings.HasPrefix(c, testSessionIDCookie+"="):
			sessionCookie = c
		case strings.HasPrefix(c, testStateCookie+"="):
			stateCookie = c
		}
	}
	require.NotEmpty(t, stateCookie, "state cookie not set")
	require.NotEmpty(t, sessionCookie, "session-id cookie not set")

	assert.Equal(t,
		testSessionIDCookie+"=generated-session-id; HttpOnly; Path=/; SameSite=Lax; Secure",
		sessionCookie)

	assert.Contains(t, stateCookie, "Max-Age=300")
	for _, directive := range []string{"HttpOnly", "Secure", "SameSite=Lax", "Path=/"} {
		assert.Contains(t, stateCookie, directive)
		assert.Contains(t, sessionCookie, directive)
	}

	// The state inside the cookie equals the state in the authorization URL,
	// and outside the cookie the nonce appears only as the URL's nonce
	// parameter.
	payload := strings.TrimPrefix(strings.Split(stateCookie, ";")[0], testStateCookie+"=")
	plaintext, err := fakeEncryptor{}.Decrypt(payload)
	require.NoError(t, err)
	parts := strings.SplitN(plaintext, ";", 2)
	require.Len(t, parts, 2)
	state, nonce := parts[0], parts[1]

	locationURL, err := url.Parse(location)
	require.NoError(t, err)
	query := locationURL.Query()
	assert.Equal(t, state, query.Get("state"))
	assert.Equal(t, nonce, query.Get("nonce"))
	assert.NotEqual(t, state, nonce)

	for name, values := range headers {
		if name == "Set-Cookie" {
			continue
		}
		for _, v := range values {
			if name == "Location" {
				// The nonce parameter is the one permitted occurrence.
				v = strings.Replace(v, "nonce="+nonce, "", 1)
			}
			assert.NotContains(t, v, nonce, "nonce leaked into header %s", name)
		}
	}
}

func TestProcessFreshRedirectsDiffer(t *testing.T) {
	fx := newFilterFixture(testConfig())

	first := fx.filter.Process(context.Background(), checkRequest("https", "me.tld", "/foo", nil))
	second := fx.filter.Process(context.Background(), checkRequest("https", "me.tld", "/foo", nil))

	firstLoc := deniedHeaders(t, first)["Location"][0]
	secondLoc := deniedHeaders(t, second)["Location"][0]
	assert.NotEqual(t, firstLoc, secondLoc)
}

func TestProcessAuthenticatedSession(t *testing.T) {
	fx := newFilterFixture(testConfig())
	fx.store.On("Get", mock.Anything, "session123").Return(validTokenResponse(), nil)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.OK)
	headers := okHeaders(t, resp)
	assert.Equal(t, "Bearer some-id-token-jwt", headers["Authorization"])
	fx.store.AssertExpectations(t)
}

func TestProcessIDTokenHeaderShortCircuit(t *testing.T) {
	fx := newFilterFixture(testConfig())

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"authorization": "Bearer already-present",
		"cookie":        testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.OK)
	assert.Empty(t, okHeaders(t, resp))
	fx.store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestProcessAccessTokenHeaderInjection(t *testing.T) {
	cfg := testConfig()
	cfg.AccessToken = &config.HeaderConfig{Header: "X-Access-Token"}
	fx := newFilterFixture(cfg)

	tr := validTokenResponse()
	tr.AccessToken = "the-access-token"
	fx.store.On("Get", mock.Anything, "session123").Return(tr, nil)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.OK)
	headers := okHeaders(t, resp)
	assert.Equal(t, "Bearer some-id-token-jwt", headers["Authorization"])
	assert.Equal(t, "the-access-token", headers["X-Access-Token"])
}

func TestProcessMissingAccessTokenWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AccessToken = &config.HeaderConfig{Header: "X-Access-Token"}
	fx := newFilterFixture(cfg)

	fx.store.On("Get", mock.Anything, "session123").Return(validTokenResponse(), nil)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.Unauthenticated)
	headers := deniedHeaders(t, resp)
	require.Len(t, headers["Location"], 1)
	assert.Regexp(t, authorizationURLPattern, headers["Location"][0])

	var stateCookieIssued bool
	for _, c := range headers["Set-Cookie"] {
		if strings.HasPrefix(c, testStateCookie+"=enc.") {
			stateCookieIssued = true
		}
	}
	assert.True(t, stateCookieIssued, "expected a fresh state cookie")
}

func TestProcessSessionWithoutStoredTokens(t *testing.T) {
	fx := newFilterFixture(testConfig())
	fx.store.On("Get", mock.Anything, "session123").Return(nil, ErrSessionNotFound)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.Unauthenticated)
	assert.Regexp(t, authorizationURLPattern, deniedHeaders(t, resp)["Location"][0])
}

func TestProcessLogout(t *testing.T) {
	fx := newFilterFixture(testConfig())
	fx.store.On("Remove", mock.Anything, "session123").Return(nil).Once()

	req := checkRequest("https", "me.tld", "/logout", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)

	assertStatus(t, resp, codes.Unauthenticated)
	denied := resp.GetDeniedResponse()
	assert.Equal(t, typev3.StatusCode_Found, denied.GetStatus().GetCode())

	headers := deniedHeaders(t, resp)
	assertNoCacheHeaders(t, headers)
	assert.Equal(t, []string{"https://me.tld/after-logout"}, headers["Location"])

	require.Len(t, headers["Set-Cookie"], 2)
	assert.Contains(t, headers["Set-Cookie"],
		testStateCookie+"=deleted; HttpOnly; Max-Age=0; Path=/; SameSite=Lax; Secure")
	assert.Contains(t, headers["Set-Cookie"],
		testSessionIDCookie+"=deleted; HttpOnly; Max-Age=0; Path=/; SameSite=Lax; Secure")

	fx.store.AssertExpectations(t)
}

func TestProcessLogoutWithoutSessionCookie(t *testing.T) {
	fx := newFilterFixture(testConfig())

	resp := fx.filter.Process(context.Background(), checkRequest("https", "me.tld", "/logout", nil))

	assertStatus(t, resp, codes.Unauthenticated)
	fx.store.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestProcessExpiredTokenRefresh(t *testing.T) {
	stored := &TokenResponse{
		IDToken:       "expired-jwt",
		IDTokenExpiry: time.Now().Add(-time.Minute).Unix(),
		RefreshToken:  "the-refresh-token",
	}
	refreshed := validTokenResponse()

	t.Run("refresh succeeds", func(t *testing.T) {
		fx := newFilterFixture(testConfig())
		fx.store.On("Get", mock.Anything, "session123").Return(stored, nil)
		fx.store.On("Set", mock.Anything, "session123", refreshed).Return(nil).Once()
		fx.httpClient.On("PostForm", mock.Anything, "https://acme-idp.tld/token", mock.Anything, mock.MatchedBy(func(body string) bool {
			values, err := url.ParseQuery(body)
			return err == nil &&
				values.Get("grant_type") == "refresh_token" &&
				values.Get("refresh_token") == "the-refresh-token" &&
				values.Get("client_id") == "example-app" &&
				values.Get("client_secret") == "example-app-secret" &&
				values.Get("scope") == "openid"
		})).Return(&HTTPResponse{StatusCode: 200, Body: []byte(`{}`)}, nil)
		fx.parser.On("ParseRefreshTokenResponse", mock.Anything, stored, "example-app", []byte(`{}`)).
			Return(refreshed, nil)

		req := checkRequest("https", "me.tld", "/foo", map[string]string{
			"cookie": testSessionIDCookie + "=session123",
		})
		resp := fx.filter.Process(context.Background(), req)

		assertStatus(t, resp, codes.OK)
		assert.Equal(t, "Bearer some-id-token-jwt", okHeaders(t, resp)["Authorization"])
		fx.store.AssertExpectations(t)
		fx.httpClient.AssertExpectations(t)
	})

	t.Run("refresh fails", func(t *testing.T) {
		fx := newFilterFixture(testConfig())
		fx.store.On("Get", mock.Anything, "session123").Return(stored, nil)
		fx.store.On("Remove", mock.Anything, "session123").Return(nil).Once()
		fx.httpClient.On("PostForm", mock.Anything, "https://acme-idp.tld/token", mock.Anything, mock.Anything).
			Return(&HTTPResponse{StatusCode: 401, Body: []byte(`{"error":"invalid_grant"}`)}, nil)

		req := checkRequest("https", "me.tld", "/foo", map[string]string{
			"cookie": testSessionIDCookie + "=session123",
		})
		resp := fx.filter.Process(context.Background(), req)

		assertStatus(t, resp, codes.Unauthenticated)
		assert.Regexp(t, authorizationURLPattern, deniedHeaders(t, resp)["Location"][0])
		fx.store.AssertExpectations(t)
	})

	t.Run("no refresh token", func(t *testing.T) {
		fx := newFilterFixture(testConfig())
		expired := &TokenResponse{
			IDToken:       "expired-jwt",
			IDTokenExpiry: time.Now().Add(-time.Minute).Unix(),
		}
		fx.store.On("Get", mock.Anything, "session123").Return(expired, nil)

		req := checkRequest("https", "me.tld", "/foo", map[string]string{
			"cookie": testSessionIDCookie + "=session123",
		})
		resp := fx.filter.Process(context.Background(), req)

		assertStatus(t, resp, codes.Unauthenticated)
		assert.Regexp(t, authorizationURLPattern, deniedHeaders(t, resp)["Location"][0])
		fx.httpClient.AssertNotCalled(t, "PostForm", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestProcessAccessTokenExpiryOnlyCheckedWhenPresent(t *testing.T) {
	fx := newFilterFixture(testConfig())

	// Access token present, but the provider never sent expires_in; only the
	// id token expiry counts.
	tr := validTokenResponse()
	tr.AccessToken = "access"
	fx.store.On("Get", mock.Anything, "session123").Return(tr, nil)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)
	assertStatus(t, resp, codes.OK)
}

func TestProcessEnforceHTTPSScheme(t *testing.T) {
	cfg := testConfig()
	cfg.EnforceHTTPSScheme = true
	fx := newFilterFixture(cfg)

	t.Run("http scheme rejected", func(t *testing.T) {
		resp := fx.filter.Process(context.Background(), checkRequest("http", "me.tld", "/foo", nil))
		assertStatus(t, resp, codes.InvalidArgument)
	})

	t.Run("empty scheme passes", func(t *testing.T) {
		resp := fx.filter.Process(context.Background(), checkRequest("", "me.tld", "/foo", nil))
		assertStatus(t, resp, codes.Unauthenticated)
	})

	t.Run("https passes", func(t *testing.T) {
		resp := fx.filter.Process(context.Background(), checkRequest("https", "me.tld", "/foo", nil))
		assertStatus(t, resp, codes.Unauthenticated)
	})
}

func TestProcessExpiredAccessToken(t *testing.T) {
	fx := newFilterFixture(testConfig())

	past := time.Now().Add(-time.Minute).Unix()
	tr := validTokenResponse()
	tr.AccessToken = "access"
	tr.AccessTokenExpiry = &past
	fx.store.On("Get", mock.Anything, "session123").Return(tr, nil)

	req := checkRequest("https", "me.tld", "/foo", map[string]string{
		"cookie": testSessionIDCookie + "=session123",
	})
	resp := fx.filter.Process(context.Background(), req)
	assertStatus(t, resp, codes.Unauthenticated)
}
