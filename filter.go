package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"

	"github.com/pilab-dev/shadow-authz/config"
	"github.com/pilab-dev/shadow-authz/internal/httpenc"
	"github.com/pilab-dev/shadow-authz/internal/statecookie"
	"github.com/pilab-dev/shadow-authz/log"
)

const (
	headerCookie       = "cookie"
	headerSetCookie    = "Set-Cookie"
	headerLocation     = "Location"
	headerCacheControl = "Cache-Control"
	headerPragma       = "Pragma"

	noCacheDirective = "no-cache"
	deletedCookie    = "deleted"

	scopeOpenID = "openid"

	stateCookieKind     = "state"
	sessionIDCookieKind = "session-id"
)

// Filter is the per-request OIDC authorization state machine. It holds its
// capabilities by shared ownership; none of them reference it back, and all
// of them must be safe for concurrent use.
type Filter struct {
	cfg        *config.OIDCConfig
	httpClient HTTPClient
	parser     TokenResponseParser
	cryptor    TokenEncryptor
	sessionGen SessionIDGenerator
	sessions   SessionStore
	logger     log.Logger

	// now is overridable in tests.
	now func() int64
}

// NewFilter wires a Filter from its capabilities.
func NewFilter(
	cfg *config.OIDCConfig,
	httpClient HTTPClient,
	parser TokenResponseParser,
	cryptor TokenEncryptor,
	sessionGen SessionIDGenerator,
	sessions SessionStore,
	logger log.Logger,
) *Filter {
	return &Filter{
		cfg:        cfg,
		httpClient: httpClient,
		parser:     parser,
		cryptor:    cryptor,
		sessionGen: sessionGen,
		sessions:   sessions,
		logger:     logger.With(map[string]interface{}{"component": "oidc-filter"}),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// Process runs the decision procedure for one check request. It never
// fails: every outcome is a CheckResponse whose Status carries the
// gRPC-style result code.
func (f *Filter) Process(ctx context.Context, req *authv3.CheckRequest) *authv3.CheckResponse {
	httpReq := req.GetAttributes().GetRequest().GetHttp()
	if httpReq == nil {
		f.logger.Info(ctx, "check request missing http attributes")
		return deniedCheckResponse(codes.InvalidArgument, f.newDenied())
	}

	if f.cfg.EnforceHTTPSScheme && httpReq.GetScheme() != "" && httpReq.GetScheme() != "https" {
		// An empty scheme passes: a TLS-terminating proxy may strip it.
		f.logger.Info(ctx, "rejecting non-https request", map[string]interface{}{"scheme": httpReq.GetScheme()})
		return deniedCheckResponse(codes.InvalidArgument, f.newDenied())
	}

	headers := httpReq.GetHeaders()
	sessionID, hasSession := f.sessionIDFromCookie(ctx, headers)
	path, _ := httpenc.DecodePath(httpReq.GetPath())

	if f.matchesLogout(path) {
		return f.handleLogout(ctx, sessionID, hasSession)
	}

	// The id-token header already being present means an upstream hop
	// authenticated this request; validating it is the downstream's job.
	if headerValue(headers, f.cfg.IDToken.Header) != "" {
		return okCheckResponse(nil)
	}

	if !hasSession {
		sessionID = f.sessionGen.Generate()
		denied := f.newDenied()
		f.setCookie(denied, f.sessionIDCookieName(), sessionID, httpenc.NoTimeout)
		f.setRedirectToIdP(ctx, denied)
		return deniedCheckResponse(codes.Unauthenticated, denied)
	}

	if f.matchesCallback(httpReq) {
		return f.handleCallback(ctx, httpReq, sessionID)
	}

	tr, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			// Store failures read as absence: the user re-authenticates.
			f.logger.Warn(ctx, "session store get failed", map[string]interface{}{"error": err.Error()})
		}
		tr = nil
	}

	if !f.requiredTokensPresent(tr) {
		denied := f.newDenied()
		f.setRedirectToIdP(ctx, denied)
		return deniedCheckResponse(codes.Unauthenticated, denied)
	}

	if !tr.Expired(f.now()) {
		return okCheckResponse(f.tokenHeaders(tr))
	}

	if tr.HasRefreshToken() {
		refreshed, err := f.refreshTokens(ctx, tr)
		if err == nil {
			if serr := f.sessions.Set(ctx, sessionID, refreshed); serr != nil {
				f.logger.Error(ctx, "session store set failed after refresh", serr)
			}
			return okCheckResponse(f.tokenHeaders(refreshed))
		}
		f.logger.Warn(ctx, "token refresh failed, evicting session", map[string]interface{}{"error": err.Error()})
		if rerr := f.sessions.Remove(ctx, sessionID); rerr != nil {
			f.logger.Error(ctx, "session store remove failed", rerr)
		}
	}

	denied := f.newDenied()
	f.setRedirectToIdP(ctx, denied)
	return deniedCheckResponse(codes.Unauthenticated, denied)
}

// handleLogout clears the session and sends the user agent to the
// configured post-logout location.
func (f *Filter) handleLogout(ctx context.Context, sessionID string, hasSession bool) *authv3.CheckResponse {
	if hasSession {
		if err := f.sessions.Remove(ctx, sessionID); err != nil {
			f.logger.Warn(ctx, "session store remove failed during logout", map[string]interface{}{"error": err.Error()})
		}
	}
	denied := f.newDenied()
	setRedirect(denied, f.cfg.Logout.RedirectToURI)
	f.deleteCookie(denied, f.stateCookieName())
	f.deleteCookie(denied, f.sessionIDCookieName())
	f.logger.Debug(ctx, "logout completed")
	return deniedCheckResponse(codes.Unauthenticated, denied)
}

// handleCallback completes the authorization-code exchange. Every outcome
// deletes the state cookie as best-effort cleanup.
func (f *Filter) handleCallback(ctx context.Context, httpReq *authv3.AttributeContext_HttpRequest, sessionID string) *authv3.CheckResponse {
	_, query := httpenc.DecodePath(httpReq.GetPath())
	denied := f.newDenied()
	f.deleteCookie(denied, f.stateCookieName())

	encrypted, ok := f.cookieValue(ctx, httpReq.GetHeaders(), f.stateCookieName())
	if !ok {
		f.logger.Info(ctx, "callback missing state cookie")
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}
	plaintext, err := f.cryptor.Decrypt(encrypted)
	if err != nil {
		f.logger.Info(ctx, "callback state cookie does not decrypt", map[string]interface{}{"error": err.Error()})
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}
	state, nonce, err := statecookie.Decode(plaintext)
	if err != nil {
		f.logger.Info(ctx, "callback state cookie has invalid encoding", map[string]interface{}{"error": err.Error()})
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}

	queryData, err := httpenc.DecodeQueryData(query)
	if err != nil {
		f.logger.Info(ctx, "callback query string is invalid", map[string]interface{}{"error": err.Error()})
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}
	queryState, code := queryData.Get("state"), queryData.Get("code")
	if queryState == "" || code == "" {
		f.logger.Info(ctx, "callback query missing state or code")
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}
	if subtle.ConstantTimeCompare([]byte(queryState), []byte(state)) != 1 {
		f.logger.Info(ctx, "callback state mismatch")
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}

	resp, err := f.exchangeCode(ctx, code)
	if err != nil {
		f.logger.Error(ctx, "token endpoint unreachable", err)
		return deniedCheckResponse(codes.Internal, denied)
	}
	if resp.StatusCode != http.StatusOK {
		f.logger.Warn(ctx, "token endpoint rejected code exchange", map[string]interface{}{"status": resp.StatusCode})
		return deniedCheckResponse(codes.Unknown, denied)
	}

	tr, err := f.parser.Parse(ctx, f.cfg.ClientID, nonce, resp.Body)
	if err != nil {
		f.logger.Info(ctx, "invalid token response", map[string]interface{}{"error": err.Error()})
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}
	if f.cfg.AccessToken != nil && !tr.HasAccessToken() {
		f.logger.Info(ctx, "token response missing expected access_token")
		return deniedCheckResponse(codes.InvalidArgument, denied)
	}

	if err := f.sessions.Set(ctx, sessionID, tr); err != nil {
		f.logger.Error(ctx, "session store set failed after code exchange", err)
	}

	setRedirect(denied, f.cfg.LandingPage)
	f.logger.Debug(ctx, "code exchange completed")
	return deniedCheckResponse(codes.Unauthenticated, denied)
}

// setRedirectToIdP turns the denied response into a 302 to the
// authorization endpoint with fresh state and nonce, and issues the
// encrypted state cookie binding them to the browser.
func (f *Filter) setRedirectToIdP(ctx context.Context, denied *authv3.DeniedHttpResponse) {
	state := statecookie.NewValue()
	nonce := statecookie.NewValue()

	params := url.Values{
		"response_type": []string{"code"},
		"scope":         []string{f.scopeString()},
		"client_id":     []string{f.cfg.ClientID},
		"nonce":         []string{nonce},
		"state":         []string{state},
		"redirect_uri":  []string{f.cfg.Callback.URL()},
	}
	location := f.cfg.Authorization.URL() + "?" + httpenc.EncodeQueryData(params)
	setRedirect(denied, location)

	f.setCookie(denied, f.stateCookieName(),
		f.cryptor.Encrypt(statecookie.Encode(state, nonce)), f.cfg.Timeout)
	f.logger.Debug(ctx, "redirecting to identity provider")
}

// scopeString space-joins the configured scopes, always including openid,
// deduplicated and in stable order.
func (f *Filter) scopeString() string {
	set := map[string]struct{}{scopeOpenID: {}}
	for _, s := range f.cfg.Scopes {
		set[s] = struct{}{}
	}
	scopes := make([]string, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return strings.Join(scopes, " ")
}

// requiredTokensPresent reports whether the stored response satisfies the
// configuration: present at all, and carrying an access token when one is
// forwarded.
func (f *Filter) requiredTokensPresent(tr *TokenResponse) bool {
	return tr != nil && (f.cfg.AccessToken == nil || tr.HasAccessToken())
}

// tokenHeaders builds the request headers injected on an OK response.
func (f *Filter) tokenHeaders(tr *TokenResponse) []*corev3.HeaderValueOption {
	headers := []*corev3.HeaderValueOption{
		header(f.cfg.IDToken.Header, encodeHeaderValue(f.cfg.IDToken.Preamble, tr.IDToken)),
	}
	if f.cfg.AccessToken != nil && tr.HasAccessToken() {
		headers = append(headers, header(f.cfg.AccessToken.Header, encodeHeaderValue(f.cfg.AccessToken.Preamble, tr.AccessToken)))
	}
	return headers
}

func (f *Filter) matchesLogout(path string) bool {
	return f.cfg.Logout != nil && path == f.cfg.Logout.Path
}

// matchesCallback reports whether the request addresses the configured
// callback. The host matches either hostname:port exactly, or the bare
// hostname when the configured port is the default for the configured
// scheme. TODO: require the request scheme to agree with the configured
// scheme before assuming its default port.
func (f *Filter) matchesCallback(httpReq *authv3.AttributeContext_HttpRequest) bool {
	path, _ := httpenc.DecodePath(httpReq.GetPath())
	if path != f.cfg.Callback.Path {
		return false
	}

	requestHost := httpReq.GetHost()
	callback := f.cfg.Callback
	if requestHost == callback.HostPort() {
		return true
	}
	defaultPort := (callback.Scheme == "https" && callback.Port == 443) ||
		(callback.Scheme == "http" && callback.Port == 80)
	return defaultPort && requestHost == callback.Hostname
}

func (f *Filter) cookieName(kind string) string {
	if f.cfg.CookieNamePrefix == "" {
		return "__Host-authservice-" + kind + "-cookie"
	}
	return "__Host-" + f.cfg.CookieNamePrefix + "-authservice-" + kind + "-cookie"
}

func (f *Filter) stateCookieName() string {
	return f.cookieName(stateCookieKind)
}

func (f *Filter) sessionIDCookieName() string {
	return f.cookieName(sessionIDCookieKind)
}

// cookieValue extracts one cookie from the request's Cookie header.
func (f *Filter) cookieValue(ctx context.Context, headers map[string]string, name string) (string, bool) {
	raw := headerValue(headers, headerCookie)
	if raw == "" {
		return "", false
	}
	cookies, err := httpenc.DecodeCookies(raw)
	if err != nil {
		f.logger.Debug(ctx, "malformed cookie header", map[string]interface{}{"error": err.Error()})
		return "", false
	}
	value, ok := cookies[name]
	return value, ok
}

func (f *Filter) sessionIDFromCookie(ctx context.Context, headers map[string]string) (string, bool) {
	return f.cookieValue(ctx, headers, f.sessionIDCookieName())
}

func (f *Filter) setCookie(denied *authv3.DeniedHttpResponse, name, value string, timeout int64) {
	denied.Headers = append(denied.Headers,
		header(headerSetCookie, httpenc.EncodeSetCookie(name, value, httpenc.CookieDirectives(timeout))))
}

func (f *Filter) deleteCookie(denied *authv3.DeniedHttpResponse, name string) {
	f.setCookie(denied, name, deletedCookie, 0)
}

// newDenied starts a denied response carrying the standard no-cache
// headers every failure and redirect shares.
func (f *Filter) newDenied() *authv3.DeniedHttpResponse {
	return &authv3.DeniedHttpResponse{
		Headers: []*corev3.HeaderValueOption{
			header(headerCacheControl, noCacheDirective),
			header(headerPragma, noCacheDirective),
		},
	}
}

func setRedirect(denied *authv3.DeniedHttpResponse, location string) {
	denied.Status = &typev3.HttpStatus{Code: typev3.StatusCode_Found}
	denied.Headers = append(denied.Headers, header(headerLocation, location))
}

func header(key, value string) *corev3.HeaderValueOption {
	return &corev3.HeaderValueOption{Header: &corev3.HeaderValue{Key: key, Value: value}}
}

// encodeHeaderValue prefixes a token value with its configured preamble
// (e.g. "Bearer"), space-separated, or returns the token unchanged when no
// preamble is configured.
func encodeHeaderValue(preamble, token string) string {
	if preamble == "" {
		return token
	}
	return preamble + " " + token
}

// headerValue looks up a request header case-insensitively; the proxy
// normally lowercases keys but the filter does not rely on it.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func deniedCheckResponse(code codes.Code, denied *authv3.DeniedHttpResponse) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status:       &rpcstatus.Status{Code: int32(code)},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{DeniedResponse: denied},
	}
}

func okCheckResponse(headers []*corev3.HeaderValueOption) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status:       &rpcstatus.Status{Code: int32(codes.OK)},
		HttpResponse: &authv3.CheckResponse_OkResponse{OkResponse: &authv3.OkHttpResponse{Headers: headers}},
	}
}
