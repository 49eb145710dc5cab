// Package statecookie encodes the (state, nonce) pair carried by the
// encrypted state cookie during the authorization roundtrip.
package statecookie

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Delimiter separates state from nonce in the cookie payload. It sits
// outside the URL-safe base64 alphabet NewValue draws from, so the split is
// unambiguous.
const Delimiter = ";"

const valueBytes = 32

// Encode joins a state and nonce into a single cookie payload.
func Encode(state, nonce string) string {
	return state + Delimiter + nonce
}

// Decode recovers the (state, nonce) pair from a cookie payload.
func Decode(payload string) (state, nonce string, err error) {
	state, nonce, found := strings.Cut(payload, Delimiter)
	if !found {
		return "", "", fmt.Errorf("state cookie payload missing delimiter")
	}
	if state == "" || nonce == "" {
		return "", "", fmt.Errorf("state cookie payload has empty parts")
	}
	return state, nonce, nil
}

// NewValue produces a fresh 32-byte random value, URL-safe base64 encoded
// without padding (43 characters).
func NewValue() string {
	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("statecookie: reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
