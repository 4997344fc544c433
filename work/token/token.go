package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of the persisted codec key in bytes.
const KeySize = chacha20poly1305.KeySize

// Codec turns arbitrary strings into URL-safe opaque tokens and back.
// Tokens embed a random nonce, so encoding the same string twice yields
// different tokens; only the round-trip guarantee matters to callers.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec loads the key file at path, creating it with a fresh random key
// when absent. A key file of the wrong size is rejected rather than silently
// regenerated, since tokens already handed out would become undecodable.
func NewCodec(path string) (*Codec, error) {
	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate codec key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("key file %s holds %d bytes, need %d", path, len(key), KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize codec: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt encodes value into a URL-safe opaque token.
func (c *Codec) Encrypt(value string) string {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failure means the process environment is broken
		panic(fmt.Sprintf("token: nonce generation failed: %v", err))
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// Decrypt reverses Encrypt. It fails on malformed base64, truncated tokens,
// and tokens sealed under a different key.
func (c *Codec) Decrypt(tok string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(trimPadding(tok))
	if err != nil {
		return "", fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("invalid token: too short")
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return string(plain), nil
}

// UrlsafeBase64 encodes value as unpadded URL-safe base64. Used for values
// that only need to survive a URL path segment, not stay secret (logo URLs).
func UrlsafeBase64(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// UrlsafeBase64Decode reverses UrlsafeBase64, tolerating padded input.
func UrlsafeBase64Decode(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(trimPadding(encoded))
	if err != nil {
		return "", fmt.Errorf("invalid base64 value: %w", err)
	}
	return string(raw), nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
