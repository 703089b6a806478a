// Package apikey issues and verifies organization API keys (spec §3's
// ApiKey: "hash of the secret, never stored in the clear"). Key generation
// mirrors the teacher's cmd/gateway createAPIKeyHandler (random 32 bytes,
// hex-encoded, a short prefix kept alongside the hash for fast lookup); the
// hash itself uses bcrypt rather than the teacher's plain sha256, per the
// spec's explicit call for a salted, slow hash on this secret.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix   = "rb_"
	prefixChars = 11 // "rb_" + 8 hex chars, enough to narrow a lookup without leaking the secret
)

// Store is the subset of store.Store the issuer depends on.
type Store interface {
	CreateApiKey(ctx context.Context, key *model.ApiKey) error
	GetApiKeyByPrefix(ctx context.Context, prefix string) (*model.ApiKey, error)
}

type Issuer struct {
	store Store
}

func New(store Store) *Issuer {
	return &Issuer{store: store}
}

// Issue generates a new API key for orgID, persists its bcrypt hash, and
// returns the raw secret exactly once — the caller must show it to the
// operator now, since it is never recoverable afterward.
func (i *Issuer) Issue(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (rawKey string, key *model.ApiKey, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, apperr.Transient("apikey", err)
	}
	rawKey = keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, apperr.Transient("apikey", err)
	}

	key = &model.ApiKey{
		OrgID: orgID, Name: name, SecretHash: string(hash),
		Prefix: rawKey[:prefixChars], Scopes: scopes, ExpiresAt: expiresAt,
	}
	if err := i.store.CreateApiKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Verify looks up the key by its prefix and checks rawKey against the
// stored bcrypt hash, rejecting revoked or expired keys.
func (i *Issuer) Verify(ctx context.Context, rawKey string) (*model.ApiKey, error) {
	if len(rawKey) < prefixChars {
		return nil, apperr.Auth("apikey: malformed key")
	}
	key, err := i.store.GetApiKeyByPrefix(ctx, rawKey[:prefixChars])
	if err != nil {
		return nil, apperr.Auth("apikey: unknown key")
	}
	if key.RevokedAt != nil {
		return nil, apperr.Auth("apikey: revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, apperr.Auth("apikey: expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(rawKey)); err != nil {
		return nil, apperr.Auth("apikey: secret mismatch")
	}
	return key, nil
}
