package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceSize is the AES-GCM nonce length in bytes. A fresh nonce is generated
// for every chunk and prepended to its ciphertext.
const NonceSize = 12

// ErrInvalidKeySize indicates a key of the wrong length was supplied.
var ErrInvalidKeySize = errors.New("invalid key size")

// ErrDecryptionFailed indicates ciphertext that failed authentication.
// Tampered or corrupted data fails this way instead of producing garbage
// plaintext.
var ErrDecryptionFailed = errors.New("decryption failed: ciphertext not authenticated")

// ErrCiphertextTooShort indicates a chunk shorter than the nonce prefix.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// newGCM builds an AES-256-GCM AEAD for the given key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptChunk encrypts an arbitrary-length chunk with authenticated
// encryption. The output layout is nonce || ciphertext || tag.
func EncryptChunk(plain, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// DecryptChunk authenticates and decrypts a chunk produced by EncryptChunk.
// Any modification of the ciphertext causes ErrDecryptionFailed.
func DecryptChunk(chunk, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(chunk) < NonceSize+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plain, err := aead.Open(nil, chunk[:NonceSize], chunk[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
