package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const (
	SecretsKeyEnv   = "SANDBOXD_SECRETS_KEY"
	SecretsKeyIDEnv = "SANDBOXD_SECRETS_KEY_ID"
	defaultKeyID    = "v1"
)

// SecretCipher encrypts per-server secret env values (OAuth tokens, API keys)
// before they are written to the local store.
type SecretCipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewSecretCipher builds a cipher from a raw AES key (16/24/32 bytes).
func NewSecretCipher(key []byte, keyID string) (*SecretCipher, error) {
	if !validAESKeyLen(len(key)) {
		return nil, fmt.Errorf("invalid secrets key length: must be 16/24/32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	if keyID == "" {
		keyID = defaultKeyID
	}
	return &SecretCipher{aead: aead, keyID: keyID}, nil
}

// NewSecretCipherFromString builds a cipher from a raw, hex or base64 encoded
// key string, as read from a keyfile.
func NewSecretCipherFromString(rawKey, keyID string) (*SecretCipher, error) {
	key, err := parseAESKey(rawKey)
	if err != nil {
		return nil, err
	}
	return NewSecretCipher(key, keyID)
}

// NewSecretCipherFromEnv initializes secret encryption from environment
// variables. The key may be raw, hex or base64 encoded.
func NewSecretCipherFromEnv() (*SecretCipher, error) {
	rawKey := os.Getenv(SecretsKeyEnv)
	if rawKey == "" {
		return nil, fmt.Errorf("%s is required", SecretsKeyEnv)
	}
	key, err := parseAESKey(rawKey)
	if err != nil {
		return nil, err
	}
	return NewSecretCipher(key, os.Getenv(SecretsKeyIDEnv))
}

// GenerateKey creates a random 32-byte AES key encoded as hex, suitable for
// persisting to a keyfile on first run.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// KeyID reports the identifier of the active key.
func (c *SecretCipher) KeyID() string {
	return c.keyID
}

// EncryptEnv seals a secret env map and returns base64 ciphertext, base64
// nonce and the key ID.
func (c *SecretCipher) EncryptEnv(secrets map[string]string) (ciphertext, nonce, keyID string, err error) {
	if secrets == nil {
		secrets = map[string]string{}
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal secrets: %w", err)
	}

	nonceBytes := make([]byte, c.aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonceBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertextBytes := c.aead.Seal(nil, nonceBytes, plain, nil)
	return base64.StdEncoding.EncodeToString(ciphertextBytes),
		base64.StdEncoding.EncodeToString(nonceBytes),
		c.keyID,
		nil
}

// DecryptEnv opens a sealed secret env map.
func (c *SecretCipher) DecryptEnv(ciphertext, nonce string) (map[string]string, error) {
	ciphertextBytes, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	plain, err := c.aead.Open(nil, nonceBytes, ciphertextBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

func parseAESKey(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if validAESKeyLen(len(raw)) {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("invalid %s length: must be 16/24/32 bytes (raw/hex/base64)", SecretsKeyEnv)
}

func validAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
