package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword will generate a password hash
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost())
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatchedHashAndPassword
		}
		return err
	}
	return nil
}

// HashPasswords hashes the password and its confirmation independently
func HashPasswords(password, confirm string) (PasswordHashes, error) {
	pwd, err := HashPassword(password)
	if err != nil {
		return PasswordHashes{}, err
	}

	cnf, err := HashPassword(confirm)
	if err != nil {
		return PasswordHashes{}, err
	}

	return PasswordHashes{Password: pwd, Confirm: cnf}, nil
}
