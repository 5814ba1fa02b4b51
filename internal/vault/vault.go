// Package vault seals runtime credentials at rest. The cipher key is
// derived from an operator passphrase, never stored, so the credentials
// table holds nothing a copy of the database alone can open.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Vault encrypts and decrypts small secrets with AES-256-GCM under a
// passphrase-derived key.
type Vault struct {
	key []byte
}

// New derives the key with argon2id. The salt is the passphrase's own
// hash, deterministic on purpose: a restart with the same passphrase must
// open everything sealed before it.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	return &Vault{key: argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)}
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a fresh random nonce. Ciphertext and nonce
// are stored side by side; neither is secret on its own.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a sealed secret. A wrong passphrase surfaces here as a GCM
// authentication failure, not as garbage plaintext.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
