package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen      = 16
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 1
)

var ErrCiphertext = errors.New("malformed ciphertext")

// Cipher seals secrets at rest with XChaCha20-Poly1305. Every sealed value
// carries its own salt; the key is derived from the configured secret with
// Argon2id.
type Cipher struct {
	secret []byte
}

// NewCipher returns a Cipher keyed by secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("empty secret key")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

func (c *Cipher) key(salt []byte) []byte {
	return argon2.IDKey(c.secret, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext and returns base64(salt | nonce | ciphertext).
func (c *Cipher) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return "", fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", ErrCiphertext
	}
	salt, rest := raw[:saltLen], raw[saltLen:]
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return "", fmt.Errorf("new aead: %w", err)
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plain), nil
}
