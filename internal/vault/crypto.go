package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Salt is fixed: the key material itself is random per deployment.
	kdfSalt       = "mmrelay-vault-v1"
	kdfIterations = 100_000
	keyBytes      = 32
)

// secretBox wraps AES-256-GCM with a PBKDF2-derived key.
type secretBox struct {
	aead cipher.AEAD
}

// newSecretBox derives the cipher key. An empty passphrase loads or creates
// a random key file stored beside the database with 0600 permissions.
func newSecretBox(dbPath, passphrase string) (*secretBox, error) {
	if passphrase == "" {
		loaded, err := loadOrCreateKeyFile(dbPath + ".key")
		if err != nil {
			return nil, err
		}
		passphrase = loaded
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, keyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &secretBox{aead: aead}, nil
}

func loadOrCreateKeyFile(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	encoded := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return encoded, nil
}

// seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *secretBox) seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal.
func (b *secretBox) open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < b.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
