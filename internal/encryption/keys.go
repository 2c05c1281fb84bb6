package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrKeyNotConfigured is returned when no master key was provided.
var ErrKeyNotConfigured = errors.New("api key encryption key not configured")

// KeyCipher encrypts personal provider API keys at rest.
// Each user gets its own AES-256-GCM key derived from the master key with HKDF,
// and the user ID is bound as additional data so ciphertexts cannot be swapped between users.
type KeyCipher struct {
	master []byte
}

// NewKeyCipher creates a cipher from a base64 encoded master key of at least 32 bytes.
// An empty master key yields a cipher whose operations fail with ErrKeyNotConfigured.
func NewKeyCipher(masterKey string) (*KeyCipher, error) {
	if masterKey == "" {
		return &KeyCipher{}, nil
	}

	master, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(master) < 32 {
		return nil, fmt.Errorf("master key too short: got %d bytes, need at least 32", len(master))
	}

	return &KeyCipher{master: master}, nil
}

// Configured reports whether a master key is present.
func (k *KeyCipher) Configured() bool {
	return k != nil && len(k.master) > 0
}

// Encrypt returns base64(nonce || ciphertext || tag) for the user's API key.
func (k *KeyCipher) Encrypt(userID, apiKey string) (string, error) {
	gcm, err := k.gcmFor(userID)
	if err != nil {
		return "", err
	}

	// Generate random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(apiKey), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the ciphertext was produced for another user.
func (k *KeyCipher) Decrypt(userID, encoded string) (string, error) {
	gcm, err := k.gcmFor(userID)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt api key: %w", err)
	}

	return string(plaintext), nil
}

func (k *KeyCipher) gcmFor(userID string) (cipher.AEAD, error) {
	if !k.Configured() {
		return nil, ErrKeyNotConfigured
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	// Derive AES key using HKDF
	aesKey := make([]byte, 32) // AES-256
	kdf := hkdf.New(sha256.New, k.master, nil, []byte("personal-api-key:"+userID))
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
