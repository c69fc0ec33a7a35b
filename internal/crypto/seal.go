// Package crypto seals secrets kept in config files, such as the Hub token,
// with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SealedPrefix marks a sealed value: "sealed:" + base64(nonce|ciphertext|tag).
const SealedPrefix = "sealed:"

var (
	ErrInvalidKey = errors.New("sealing key must be 32 bytes (64 hex chars, 44 base64 chars or 32 raw bytes)")
	ErrOpenFailed = errors.New("unseal failed: wrong key or corrupted value")
)

// Box seals and opens values with one key.
type Box struct {
	aead cipher.AEAD
}

// NewBox parses key and prepares the cipher.
func NewBox(key string) (*Box, error) {
	raw, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal returns the sealed form of plaintext.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", ErrOpenFailed
	}
	plain, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// NewKey returns a random key in hex form.
func NewKey() (string, error) {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		return "", err
	}
	return hex.EncodeToString(k), nil
}

func parseKey(s string) ([]byte, error) {
	switch {
	case len(s) == 64:
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	case len(s) == 44 && strings.HasSuffix(s, "="):
		if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
			return b, nil
		}
	case len(s) == 32:
		return []byte(s), nil
	}
	return nil, ErrInvalidKey
}
