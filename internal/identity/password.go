package identity

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"giftmarket.dev/internal/errs"
)

// MinPasswordLength is the shortest password accepted at registration or reset.
const MinPasswordLength = 8

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", errs.Invalid("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > 72 {
		return "", errs.Invalid("password must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
