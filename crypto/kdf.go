package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length in bytes of the random salt generated for each
	// transfer. The salt travels in the metadata header so the receiver can
	// derive the same key.
	SaltSize = 16

	// KeySize is the derived key length in bytes (AES-256).
	KeySize = 32

	// KDFIterations is the PBKDF2 iteration count. Deliberately slow so that
	// brute forcing a captured salt is expensive.
	KDFIterations = 100000
)

// DeriveKey derives a KeySize-byte encryption key from a password and salt
// using PBKDF2-HMAC-SHA256. The same (password, salt) pair always yields the
// same key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KDFIterations, KeySize, sha256.New)
}

// GenerateSalt returns a fresh random salt for key derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "GenerateSalt",
			"error":    err.Error(),
		}).Error("Failed to generate salt")
		return nil, err
	}
	return salt, nil
}
