package cryptox

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size of password salts in bytes.
	SaltSize = 16

	pbkdf2Iterations = 210_000
	derivedKeySize   = 64
)

// NewSalt returns a fresh random password salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches a password with PBKDF2-HMAC-SHA512 and the given salt.
// The output is always derivedKeySize bytes, so comparisons between derived
// keys are over equal-length operands.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeySize, sha512.New)
}

// Equal compares two derived keys in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
