package codec

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaChaEncryptor is the default Encryptor, used when a database is
// opened with is_encryption_enabled and a 32-byte encryption_key
// (spec.md §6). The nonce is prepended to the sealed output so Open
// needs only the key and associated data.
type ChaChaEncryptor struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewChaChaEncryptor builds an Encryptor from a 32-byte key.
func NewChaChaEncryptor(key [32]byte) (*ChaChaEncryptor, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: new chacha20poly1305: %w", err)
	}
	return &ChaChaEncryptor{aead: aead}, nil
}

func (e *ChaChaEncryptor) Seal(dst, plaintext, associatedData []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	out := append(dst, nonce...)
	return e.aead.Seal(out, nonce, plaintext, associatedData), nil
}

func (e *ChaChaEncryptor) Open(dst, ciphertext, associatedData []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("codec: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	return e.aead.Open(dst, nonce, body, associatedData)
}
