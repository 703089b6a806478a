package google

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
)

// HTTPJWKSProvider fetches and caches Google's public signing keys from a
// JWKS endpoint, satisfying JWKSProvider. The normalizer itself never makes
// a network call; this is the one concrete implementation wired in
// production (spec §4.3, "verify against Google's JWKS").
type HTTPJWKSProvider struct {
	url    string
	client *http.Client
	ttl    time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// DefaultGoogleJWKSURL is Google's public JWKS endpoint for Play
// Developer Notification JWTs.
const DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

func NewHTTPJWKSProvider(url string, client *http.Client) *HTTPJWKSProvider {
	if url == "" {
		url = DefaultGoogleJWKSURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPJWKSProvider{url: url, client: client, ttl: time.Hour, keys: make(map[string]*rsa.PublicKey)}
}

type jwksResponse struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (p *HTTPJWKSProvider) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := p.cached(kid); ok {
		return key, nil
	}
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := p.cached(kid)
	if !ok {
		return nil, fmt.Errorf("google: no JWKS key for kid %q", kid)
	}
	return key, nil
}

func (p *HTTPJWKSProvider) cached(kid string) (*rsa.PublicKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if time.Since(p.fetchedAt) > p.ttl {
		return nil, false
	}
	key, ok := p.keys[kid]
	return key, ok
}

func (p *HTTPJWKSProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("google: build JWKS request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("google: fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google: JWKS endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("google: read JWKS response: %w", err)
	}
	var parsed jwksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("google: decode JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := rsaPublicKeyFromComponents(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = key
	}

	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}

func rsaPublicKeyFromComponents(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
