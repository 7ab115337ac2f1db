// Package crypto encrypts secrets kept at rest, such as TLS-pipe passwords.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	versionArgon2 byte = 0x01

	saltSize = 16
	keySize  = chacha20poly1305.KeySize

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrCiphertext = errors.New("malformed ciphertext")

// GenerateKey returns a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// MasterKey picks the master key: encoded (base64url, at least 32 bytes)
// wins, otherwise sha256 of secret. Both empty yields a random key.
func MasterKey(encoded, secret string) ([]byte, error) {
	if encoded != "" {
		raw, err := decodeB64(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(raw) < keySize {
			return nil, fmt.Errorf("encryption key is %d bytes, need %d", len(raw), keySize)
		}
		return raw[:keySize], nil
	}
	if secret == "" {
		return GenerateKey()
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

func deriveKey(master, salt []byte) []byte {
	return argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt seals plaintext as base64url(version | salt | nonce | ciphertext).
// A fresh salt and nonce are drawn per call.
func Encrypt(plaintext, master []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveKey(master, salt))
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, versionArgon2)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(encoded string, master []byte) ([]byte, error) {
	data, err := decodeB64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	nonceSize := chacha20poly1305.NonceSize
	if len(data) < 1+saltSize+nonceSize+chacha20poly1305.Overhead {
		return nil, ErrCiphertext
	}
	if data[0] != versionArgon2 {
		return nil, fmt.Errorf("%w: unknown version %#x", ErrCiphertext, data[0])
	}
	salt := data[1 : 1+saltSize]
	nonce := data[1+saltSize : 1+saltSize+nonceSize]

	aead, err := chacha20poly1305.New(deriveKey(master, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, data[1+saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
