// Package secrets implements application-layer encryption of provider
// credentials (spec §4.1, "Credential encryption"). Ciphertext is stored as
// `v1|iv|tag|ct`, each component base64-encoded, so the GCM tag travels
// alongside the ciphertext instead of being implicitly appended. Adapted
// from the teacher's infrastructure/secrets.Manager, generalized from a
// single-key secret store to the two-slot current/previous rotation scheme
// the spec requires.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const formatVersion = "v1"

var (
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
	ErrDecryptionFailed  = errors.New("secrets: decryption failed under both key slots")
)

// Manager encrypts and decrypts BillingConnection credentials using a
// current key, falling back to a previous key on decrypt so credentials
// written before a rotation remain readable.
type Manager struct {
	current  cipher.AEAD
	previous cipher.AEAD // nil if no rotation key configured
}

// NewManager builds a Manager from hex-encoded 32-byte keys. previousKeyHex
// may be empty.
func NewManager(currentKeyHex, previousKeyHex string) (*Manager, error) {
	current, err := newAEAD(currentKeyHex)
	if err != nil {
		return nil, fmt.Errorf("secrets: current key: %w", err)
	}
	m := &Manager{current: current}
	if strings.TrimSpace(previousKeyHex) != "" {
		previous, err := newAEAD(previousKeyHex)
		if err != nil {
			return nil, fmt.Errorf("secrets: previous key: %w", err)
		}
		m.previous = previous
	}
	return m, nil
}

func newAEAD(keyHex string) (cipher.AEAD, error) {
	key, err := normalizeKey(keyHex)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func normalizeKey(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes hex-encoded (64 hex chars)")
	}
	return decoded, nil
}

// Encrypt writes credentials using the current key, formatted as
// v1|base64(iv)|base64(tag)|base64(ciphertext).
func (m *Manager) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, m.current.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := m.current.Seal(nil, nonce, plaintext, nil)
	tagSize := m.current.Overhead()
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		formatVersion,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, "|"), nil
}

// Decrypt attempts the current key first, then the previous key, per spec:
// "readCredentials attempts current first, then previous".
func (m *Manager) Decrypt(ciphertext string) ([]byte, error) {
	version, iv, tag, ct, err := parseCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidCiphertext, version)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	if plain, err := m.current.Open(nil, iv, sealed, nil); err == nil {
		return plain, nil
	}
	if m.previous != nil {
		if plain, err := m.previous.Open(nil, iv, sealed, nil); err == nil {
			return plain, nil
		}
	}
	return nil, ErrDecryptionFailed
}

func parseCiphertext(raw string) (version string, iv, tag, ct []byte, err error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return "", nil, nil, nil, ErrInvalidCiphertext
	}
	iv, err1 := base64.StdEncoding.DecodeString(parts[1])
	tag, err2 := base64.StdEncoding.DecodeString(parts[2])
	ct, err3 := base64.StdEncoding.DecodeString(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", nil, nil, nil, ErrInvalidCiphertext
	}
	return parts[0], iv, tag, ct, nil
}

// Rotate decrypts ciphertext under the previous key and re-encrypts it
// under the current key, used by the credential rotation tool once a new
// CREDENTIAL_ENCRYPTION_KEY has been deployed.
func (m *Manager) Rotate(ciphertext string) (string, error) {
	plain, err := m.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return m.Encrypt(plain)
}
