package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Cipher encrypts stored upstream credentials so they can be replayed at
// login time. The key is derived once from the configured master secret.
type Cipher struct {
	aead cipher.AEAD
}

const (
	keyIterations = 100_000
	keyLen        = 32
)

// Key derivation salt. Static on purpose: there is one master secret per
// deployment and ciphertexts must stay decryptable across restarts.
var kdfSalt = []byte("wodsniper-credentials-v1")

var ErrDecrypt = errors.New("secrets: cannot decrypt value")

func New(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key is empty")
	}
	key := pbkdf2.Key([]byte(masterKey), kdfSalt, keyIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 token. Empty input yields
// empty output so optional fields round-trip unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign tokens return ErrDecrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
