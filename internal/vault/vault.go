// Package vault encrypts persisted store values at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Vault seals values with AES-256-GCM under a passphrase-derived key.
type Vault struct {
	key  [32]byte
	aead cipher.AEAD
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of passphrase), so the same passphrase always
// produces the same key across restarts.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)

	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	v.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return v, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext. The namespace/key
// pair is bound as additional data so a sealed value cannot be replayed
// under another key.
func (v *Vault) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed, aad []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("sealed value too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
