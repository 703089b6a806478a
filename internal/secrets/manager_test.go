package secrets

import (
	"strings"
	"testing"

	"github.com/revback/core/internal/model"
)

const testKeyA = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
const testKeyB = "00112233445566778899aabbccddeeffaabbccddeeff00112233445566778899"

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	m, err := NewManager(testKeyA, "")
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	ciphertext, err := m.Encrypt([]byte("sk_live_abc123"))
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1|") {
		t.Fatalf("expected v1| prefix, got %s", ciphertext)
	}
	if parts := strings.Split(ciphertext, "|"); len(parts) != 4 {
		t.Fatalf("expected 4 pipe-delimited fields, got %d", len(parts))
	}

	plain, err := m.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if string(plain) != "sk_live_abc123" {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
}

func TestDecrypt_FallsBackToPreviousKeyAfterRotation(t *testing.T) {
	oldManager, err := NewManager(testKeyA, "")
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	ciphertext, err := oldManager.Encrypt([]byte("old-secret"))
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}

	rotated, err := NewManager(testKeyB, testKeyA)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	plain, err := rotated.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("expected decrypt to succeed via previous key slot, got %v", err)
	}
	if string(plain) != "old-secret" {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
}

func TestRotate_ReencryptsUnderCurrentKey(t *testing.T) {
	oldManager, _ := NewManager(testKeyA, "")
	ciphertext, _ := oldManager.Encrypt([]byte("rotate-me"))

	rotated, _ := NewManager(testKeyB, testKeyA)
	newCiphertext, err := rotated.Rotate(ciphertext)
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}

	// a manager with only the new key (no previous) must still read it
	newOnly, _ := NewManager(testKeyB, "")
	plain, err := newOnly.Decrypt(newCiphertext)
	if err != nil {
		t.Fatalf("expected re-encrypted ciphertext to decrypt under new-only manager: %v", err)
	}
	if string(plain) != "rotate-me" {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
}

func TestReadWriteCredentials_RoundTrips(t *testing.T) {
	m, _ := NewManager(testKeyA, "")
	creds := model.ProviderCredentials{APIKey: "sk_live_xyz", WebhookSecret: "whsec_123"}

	blob, err := m.WriteCredentials(creds)
	if err != nil {
		t.Fatalf("WriteCredentials error: %v", err)
	}

	got, err := m.ReadCredentials(blob)
	if err != nil {
		t.Fatalf("ReadCredentials error: %v", err)
	}
	if got.APIKey != creds.APIKey || got.WebhookSecret != creds.WebhookSecret {
		t.Fatalf("unexpected roundtrip result: %+v", got)
	}
}

func TestDecrypt_RejectsMalformedCiphertext(t *testing.T) {
	m, _ := NewManager(testKeyA, "")
	if _, err := m.Decrypt("not-a-valid-ciphertext"); err == nil {
		t.Fatal("expected error for malformed ciphertext")
	}
}
