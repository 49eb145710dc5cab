package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const sessionIDBytes = 32

// SessionIDGenerator produces opaque high-entropy session identifiers.
type SessionIDGenerator struct{}

// Generate returns a fresh 32-byte random id, URL-safe base64 encoded
// without padding.
func (SessionIDGenerator) Generate() string {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto: reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
