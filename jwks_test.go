package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/shadow-authz/log"
)

func jwksDocumentFor(t *testing.T, kid string, pub *rsa.PublicKey) []byte {
	t.Helper()
	doc := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	return body
}

func TestJWKSProviderKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(jwksDocumentFor(t, "key-1", &priv.PublicKey))
	}))
	defer srv.Close()

	provider := NewJWKSProvider(srv.URL, log.NewNop())
	ctx := context.Background()

	key, err := provider.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.N.Cmp(priv.PublicKey.N))
	assert.Equal(t, priv.PublicKey.E, key.E)

	// Served from cache: no second fetch.
	_, err = provider.Key(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestJWKSProviderUnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jwksDocumentFor(t, "key-1", &priv.PublicKey))
	}))
	defer srv.Close()

	provider := NewJWKSProvider(srv.URL, log.NewNop())
	_, err = provider.Key(context.Background(), "key-2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestJWKSProviderFetchFailures(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		provider := NewJWKSProvider(srv.URL, log.NewNop())
		_, err := provider.Key(context.Background(), "key-1")
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		provider := NewJWKSProvider("http://127.0.0.1:1/jwks.json", log.NewNop())
		_, err := provider.Key(context.Background(), "key-1")
		assert.Error(t, err)
	})

	t.Run("invalid document", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()

		provider := NewJWKSProvider(srv.URL, log.NewNop())
		_, err := provider.Key(context.Background(), "key-1")
		assert.Error(t, err)
	})
}
