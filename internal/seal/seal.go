package seal

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey     = errors.New("invalid seal key")
	ErrPlaceholderKey = errors.New("seal key is a known placeholder")
	ErrCiphertext     = errors.New("malformed ciphertext")
)

// Sealer encrypts MFA seeds at rest with XChaCha20-Poly1305.
// The key is process-wide configuration; construction fails on weak or
// placeholder keys so a misconfigured deployment refuses to start instead
// of storing recoverable secrets.
type Sealer struct {
	key []byte
}

// placeholder keys that have appeared in docs, examples, or default config
// files. Deployments must never run with one of these.
var placeholderKeys = [][]byte{
	make([]byte, chacha20poly1305.KeySize),
	[]byte("change-me-change-me-change-me-ok"),
	[]byte("0123456789abcdef0123456789abcdef"),
}

func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	for _, ph := range placeholderKeys {
		if bytes.Equal(key, ph) {
			return nil, ErrPlaceholderKey
		}
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal returns nonce||ciphertext. The principal id is bound as additional
// data so a sealed seed cannot be replayed onto another principal's row.
func (s *Sealer) Seal(principalID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(principalID)), nil
}

func (s *Sealer) Open(principalID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertext
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(principalID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plaintext, nil
}
