package authz

import "errors"

var (
	// ErrSessionNotFound is returned by session stores when no token
	// response is bound to the session id.
	ErrSessionNotFound = errors.New("session not found")

	ErrMissingIDToken     = errors.New("token response missing id_token")
	ErrMissingAccessToken = errors.New("token response missing access_token")
	ErrNonceMismatch      = errors.New("id token nonce mismatch")
	ErrKeyNotFound        = errors.New("signing key not found")
)
