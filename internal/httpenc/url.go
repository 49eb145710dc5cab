package httpenc

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// EncodeQueryData percent-encodes parameters for a query string. Keys are
// emitted in sorted order and duplicate keys are preserved.
func EncodeQueryData(params url.Values) string {
	return params.Encode()
}

// EncodeFormData percent-encodes parameters as an
// application/x-www-form-urlencoded body.
func EncodeFormData(params url.Values) string {
	return params.Encode()
}

// DecodeQueryData parses a query string into a multimap, failing on
// malformed input.
func DecodeQueryData(s string) (url.Values, error) {
	return url.ParseQuery(s)
}

// DecodePath splits a request path on the first '?' into path and query.
// The query is empty when absent.
func DecodePath(p string) (path, query string) {
	path, query, _ = strings.Cut(p, "?")
	return path, query
}

// EncodeBasicAuth builds an Authorization header value for HTTP Basic
// authentication.
func EncodeBasicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}
