package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveJWKS(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	body, err := json.Marshal(jwksResponse{Keys: []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	}{{Kid: kid, Kty: "RSA", N: n, E: e}}})
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
}

func TestHTTPJWKSProvider_PublicKeyFetchesAndCaches(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := serveJWKS(t, "kid-1", &priv.PublicKey)
	defer srv.Close()

	provider := NewHTTPJWKSProvider(srv.URL, nil)
	key, err := provider.PublicKey(context.Background(), "kid-1")
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey.N, key.N)
	require.Equal(t, priv.PublicKey.E, key.E)
}

func TestHTTPJWKSProvider_UnknownKidErrors(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := serveJWKS(t, "kid-1", &priv.PublicKey)
	defer srv.Close()

	provider := NewHTTPJWKSProvider(srv.URL, nil)
	_, err = provider.PublicKey(context.Background(), "kid-missing")
	require.Error(t, err)
}
