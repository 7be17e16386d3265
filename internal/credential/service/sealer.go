package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/smallbiznis/costflow/internal/credential/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts secrets with XChaCha20-Poly1305. The tenant and provider are bound
// as associated data so a sealed blob cannot be replayed under another owner.
type Sealer struct {
	key []byte
}

// NewSealer decodes a base64 encoded 32 byte key. An empty key yields a sealer that
// refuses every operation.
func NewSealer(encodedKey string) (*Sealer, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return &Sealer{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(plaintext []byte, tenantID, provider string) ([]byte, error) {
	if len(s.key) == 0 {
		return nil, domain.ErrKeyNotConfigured
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, associatedData(tenantID, provider)), nil
}

func (s *Sealer) Open(sealed []byte, tenantID, provider string) ([]byte, error) {
	if len(s.key) == 0 {
		return nil, domain.ErrKeyNotConfigured
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, domain.ErrCredentialInvalid
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData(tenantID, provider))
	if err != nil {
		return nil, domain.ErrCredentialInvalid
	}
	return plaintext, nil
}

func associatedData(tenantID, provider string) []byte {
	return []byte(tenantID + "|" + provider)
}
