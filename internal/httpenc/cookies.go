// Package httpenc implements the small HTTP wire encodings the filter
// needs: Set-Cookie assembly, Cookie parsing, and query/form encoding.
// The filter builds raw header values for the proxy rather than writing to
// an http.ResponseWriter, so the stdlib cookie helpers do not apply.
package httpenc

import (
	"fmt"
	"sort"
	"strings"
)

// NoTimeout makes CookieDirectives omit the Max-Age directive.
const NoTimeout int64 = -1

// CookieDirectives returns the directive set for an authentication cookie:
// HttpOnly, Secure, SameSite=Lax and Path=/, plus Max-Age when a timeout is
// given.
func CookieDirectives(timeout int64) []string {
	directives := []string{"HttpOnly", "SameSite=Lax", "Secure", "Path=/"}
	if timeout != NoTimeout {
		directives = append(directives, fmt.Sprintf("Max-Age=%d", timeout))
	}
	return directives
}

// EncodeSetCookie renders a Set-Cookie header value. Directives are sorted
// so the output is deterministic.
func EncodeSetCookie(name, value string, directives []string) string {
	sorted := make([]string, len(directives))
	copy(sorted, directives)
	sort.Strings(sorted)

	parts := make([]string, 0, len(sorted)+1)
	parts = append(parts, name+"="+value)
	parts = append(parts, sorted...)
	return strings.Join(parts, "; ")
}

// DecodeCookies parses an RFC 6265 Cookie header into a name→value map.
// A malformed header yields an error, not partial results.
func DecodeCookies(header string) (map[string]string, error) {
	cookies := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			return nil, fmt.Errorf("malformed cookie header: empty cookie-pair")
		}
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("malformed cookie header: %q", pair)
		}
		cookies[name] = strings.Trim(value, `"`)
	}
	return cookies, nil
}
