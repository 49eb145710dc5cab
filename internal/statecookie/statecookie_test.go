package statecookie

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	payload := Encode("expectedstate", "expectednonce")
	assert.Equal(t, "expectedstate;expectednonce", payload)

	state, nonce, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "expectedstate", state)
	assert.Equal(t, "expectednonce", nonce)
}

func TestDecodeRoundTripsRandomValues(t *testing.T) {
	for i := 0; i < 16; i++ {
		s, n := NewValue(), NewValue()
		state, nonce, err := Decode(Encode(s, n))
		require.NoError(t, err)
		assert.Equal(t, s, state)
		assert.Equal(t, n, nonce)
	}
}

func TestDecodeFailures(t *testing.T) {
	for _, payload := range []string{"", "nodelimiter", ";nonce", "state;", ";"} {
		_, _, err := Decode(payload)
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestNewValue(t *testing.T) {
	urlSafe := regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

	a, b := NewValue(), NewValue()
	assert.Regexp(t, urlSafe, a)
	assert.Regexp(t, urlSafe, b)
	assert.NotEqual(t, a, b)
}
