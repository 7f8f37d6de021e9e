package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt truncates beyond 72 bytes; reject rather than silently weaken.
const maxSecretLen = 72

var ErrSecretTooLong = errors.New("secret exceeds 72 bytes")

// HashPassword derives a bcrypt hash from a plaintext secret.
func HashPassword(plain string) ([]byte, error) {
	if len(plain) > maxSecretLen {
		return nil, ErrSecretTooLong
	}
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// ComparePassword reports whether plain matches the stored hash.
func ComparePassword(hash []byte, plain string) error {
	if len(plain) > maxSecretLen {
		return ErrSecretTooLong
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plain))
}
