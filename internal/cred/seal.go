package cred

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed blob layout: one version byte, the XChaCha20-Poly1305 nonce,
// then the ciphertext.  The random extended nonce is what makes
// encrypting many small secrets under one long-lived key safe.
const sealVersion = 1

// KeySize is the length of the at-rest encryption key.
const KeySize = chacha20poly1305.KeySize

// Seal encrypts secret under key for storage.
func Seal(key []byte, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealing key: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(secret)+aead.Overhead())
	out[0] = sealVersion
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealing nonce: %w", err)
	}
	return aead.Seal(out, nonce, secret, nil), nil
}

// Open decrypts a sealed blob.
func Open(key []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed blob too short (%d bytes)", len(sealed))
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unknown sealed blob version %d", sealed[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealing key: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}
