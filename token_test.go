package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenResponseExpired(t *testing.T) {
	now := int64(1000)

	t.Run("unexpired id token", func(t *testing.T) {
		tr := &TokenResponse{IDToken: "jwt", IDTokenExpiry: 2000}
		assert.False(t, tr.Expired(now))
	})

	t.Run("expired id token", func(t *testing.T) {
		tr := &TokenResponse{IDToken: "jwt", IDTokenExpiry: 500}
		assert.True(t, tr.Expired(now))
	})

	t.Run("access token expiry checked when present", func(t *testing.T) {
		past := int64(500)
		tr := &TokenResponse{IDToken: "jwt", IDTokenExpiry: 2000, AccessToken: "a", AccessTokenExpiry: &past}
		assert.True(t, tr.Expired(now))

		future := int64(3000)
		tr.AccessTokenExpiry = &future
		assert.False(t, tr.Expired(now))
	})

	t.Run("absent access token expiry is ignored", func(t *testing.T) {
		tr := &TokenResponse{IDToken: "jwt", IDTokenExpiry: 2000, AccessToken: "a"}
		assert.False(t, tr.Expired(now))
	})
}

func TestTokenResponsePresence(t *testing.T) {
	tr := &TokenResponse{IDToken: "jwt", IDTokenExpiry: 1}
	assert.False(t, tr.HasAccessToken())
	assert.False(t, tr.HasRefreshToken())

	tr.AccessToken = "a"
	tr.RefreshToken = "r"
	assert.True(t, tr.HasAccessToken())
	assert.True(t, tr.HasRefreshToken())
}
