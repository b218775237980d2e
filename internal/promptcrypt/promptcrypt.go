// Package promptcrypt encrypts prompt bodies at rest.
//
// Tokens are AES-256-GCM: a version byte, the random nonce, then the sealed
// ciphertext, base64url-encoded so they store cleanly in TEXT columns. The
// version byte leaves room to change the construction without breaking
// already-stored prompts.
package promptcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenVersion = 0x01

// Encrypt seals plaintext under a 32-byte key and returns the encoded token.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("promptcrypt: generate nonce: %w", err)
	}

	token := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	token = append(token, tokenVersion)
	token = append(token, nonce...)
	token = gcm.Seal(token, nonce, []byte(plaintext), nil)

	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt opens an encoded token. A wrong key, a truncated token, or any
// tampering fails authentication.
func Decrypt(token string, key []byte) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("promptcrypt: decode token: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(raw) < 1+gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("promptcrypt: token too short")
	}
	if raw[0] != tokenVersion {
		return "", fmt.Errorf("promptcrypt: unsupported token version %d", raw[0])
	}

	nonce := raw[1 : 1+gcm.NonceSize()]
	ciphertext := raw[1+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("promptcrypt: open token: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("promptcrypt: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("promptcrypt: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("promptcrypt: init gcm: %w", err)
	}
	return gcm, nil
}
