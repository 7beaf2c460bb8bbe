package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// Decrypter resolves an encrypted credential reference to its plaintext.
// Implementations must never log the resolved value.
type Decrypter interface {
	Decrypt(ctx context.Context, ref string) (string, error)
}

// AESGCM decrypts locally-encrypted credentials. The reference format is
// base64(nonce || ciphertext) sealed with the configured 256-bit key.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a local decrypter from a base64-encoded 32-byte key.
func NewAESGCM(encodedKey string) (*AESGCM, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// Decrypt unseals a base64(nonce || ciphertext) reference.
func (d *AESGCM) Decrypt(ctx context.Context, ref string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return "", fmt.Errorf("invalid credential reference encoding: %w", err)
	}

	nonceSize := d.aead.NonceSize()
	if len(raw) < nonceSize+1 {
		return "", fmt.Errorf("credential reference too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := d.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return string(plaintext), nil
}

// Encrypt seals a plaintext credential. Used by provisioning tooling and
// tests; the core itself only decrypts.
func (d *AESGCM) Encrypt(plaintext string, nonce []byte) (string, error) {
	if len(nonce) != d.aead.NonceSize() {
		return "", fmt.Errorf("nonce must be %d bytes", d.aead.NonceSize())
	}
	sealed := d.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, nonce...), sealed...)), nil
}
