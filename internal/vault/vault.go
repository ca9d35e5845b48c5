// Package vault encrypts and decrypts credential values at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log"
	"os"
)

// Vault seals credential values with AES-256-GCM. The key is process-wide
// read-only: loaded once at startup, never rotated in-process.
type Vault struct {
	aead cipher.AEAD
}

// devKey is only used when VAULT_KEY is unset (local dev and tests).
const devKey = "merchlink-dev-vault-key-do-not-use-in-prod"

// New builds a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, errors.New("vault key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// NewFromEnv reads VAULT_KEY (64 hex chars). When unset it derives a key from
// a fixed dev string and logs a warning.
func NewFromEnv() (*Vault, error) {
	raw := os.Getenv("VAULT_KEY")
	if raw == "" {
		log.Printf("VAULT_KEY not set; using dev key (credentials are NOT safe)")
		sum := sha256.Sum256([]byte(devKey))
		return New(sum[:])
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, errors.New("VAULT_KEY must be 64 hex characters")
	}
	return New(key)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign ciphertexts fail.
func (v *Vault) Decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DecryptAll decrypts every value of an encrypted credential map.
func (v *Vault) DecryptAll(enc map[string]string) (map[string]string, error) {
	if enc == nil {
		return nil, nil
	}
	out := make(map[string]string, len(enc))
	for k, val := range enc {
		plain, err := v.Decrypt(val)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

// EncryptAll encrypts every value of a plaintext credential map.
func (v *Vault) EncryptAll(plain map[string]string) (map[string]string, error) {
	if plain == nil {
		return nil, nil
	}
	out := make(map[string]string, len(plain))
	for k, val := range plain {
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}
