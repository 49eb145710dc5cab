package authz

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-authz/log"
)

// DefaultJWKSRefreshInterval is how long fetched signing keys are reused
// before the provider re-fetches the document.
const DefaultJWKSRefreshInterval = 1 * time.Hour

// JWKSProvider fetches the identity provider's signing keys and caches
// them for DefaultJWKSRefreshInterval. Safe for concurrent use.
type JWKSProvider struct {
	uri     string
	client  *http.Client
	refresh time.Duration
	logger  log.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSProvider creates a provider for the given JWKS document URI.
func NewJWKSProvider(uri string, logger log.Logger) *JWKSProvider {
	return &JWKSProvider{
		uri:     uri,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: DefaultJWKSRefreshInterval,
		logger:  logger,
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for the given key id, fetching the JWKS
// document when the cache is cold, stale, or lacks the id.
func (p *JWKSProvider) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	p.mu.RLock()
	key, ok := p.keys[kid]
	fresh := time.Since(p.fetchedAt) < p.refresh
	p.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := p.fetch(ctx); err != nil {
		if ok {
			// Serve the stale key rather than failing the request.
			p.logger.Warn(ctx, "jwks refresh failed, using cached key", map[string]interface{}{"kid": kid, "error": err.Error()})
			return key, nil
		}
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok = p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (p *JWKSProvider) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.uri, nil)
	if err != nil {
		return fmt.Errorf("building jwks request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading jwks body: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decoding jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			p.logger.Warn(ctx, "skipping unparseable jwk", map[string]interface{}{"kid": k.Kid, "error": err.Error()})
			continue
		}
		keys[k.Kid] = pub
	}

	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug(ctx, "jwks refreshed", map[string]interface{}{"keys": len(keys)})
	return nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
