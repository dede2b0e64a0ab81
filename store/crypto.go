package store

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// kdfLabel keys the BLAKE2s expansion so store keys can never collide with
// key material derived elsewhere in the wallet.
var kdfLabel = []byte("shieldpool_kdf_1")

// ExpandKey derives outputLen bytes from a 32-byte root key using BLAKE2s,
// following the PRF^expand construction (counter-suffixed hashing, as in
// HKDF-Expand).
func ExpandKey(rootKey []byte, outputLen int) ([]byte, error) {
	if len(rootKey) != 32 {
		return nil, fmt.Errorf("rootKey must be 32 bytes")
	}

	var stream []byte
	var counter byte = 1
	for len(stream) < outputLen {
		h, err := blake2s.New256(kdfLabel)
		if err != nil {
			return nil, fmt.Errorf("failed to create blake2s hash: %w", err)
		}
		h.Write(rootKey)
		h.Write([]byte{counter})
		stream = append(stream, h.Sum(nil)...)

		counter++
		if counter == 0 {
			return nil, errors.New("KDF counter overflow")
		}
	}
	return stream[:outputLen], nil
}

// EncryptRecord encrypts plaintext with ChaCha20-Poly1305. additionalData is
// authenticated but not encrypted; here it binds the blob to its deposit id.
func EncryptRecord(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size: must be %d bytes", chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid nonce size: must be %d bytes", chacha20poly1305.NonceSize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 AEAD: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// DecryptRecord decrypts a blob produced by EncryptRecord. A failure means a wrong key or a
// tampered blob; either way the record is unusable.
func DecryptRecord(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size: must be %d bytes", chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid nonce size: must be %d bytes", chacha20poly1305.NonceSize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record: %w", err)
	}
	return plaintext, nil
}
