package secrets

import (
	"encoding/json"
	"fmt"

	"github.com/revback/core/internal/model"
)

// WriteCredentials serializes creds to JSON and encrypts it under the
// current key, producing the blob stored in BillingConnection.EncryptedCredentials.
func (m *Manager) WriteCredentials(creds model.ProviderCredentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	ciphertext, err := m.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	return []byte(ciphertext), nil
}

// ReadCredentials decrypts and unmarshals a BillingConnection's stored blob.
func (m *Manager) ReadCredentials(encrypted []byte) (model.ProviderCredentials, error) {
	var creds model.ProviderCredentials
	plain, err := m.Decrypt(string(encrypted))
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return creds, nil
}
