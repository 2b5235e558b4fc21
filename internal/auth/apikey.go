package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeySecretBytes = 32

// ErrInvalidKey is returned when an API key fails parsing or verification.
var ErrInvalidKey = errors.New("invalid API key")

// GenerateAPIKey generates a credential for the named client. The returned
// key has the form "<client>.<secret>" where secret is 32 random bytes,
// hex-encoded. Only the bcrypt hash of the secret is ever stored.
func GenerateAPIKey(client string) (key, secretHash string, err error) {
	b := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate API key: %w", err)
	}
	secret := hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash API key: %w", err)
	}

	return client + "." + secret, string(hash), nil
}

// SplitAPIKey separates an API key into its client and secret parts.
func SplitAPIKey(key string) (client, secret string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// VerifySecret compares a presented secret against a stored bcrypt hash.
func VerifySecret(secret, storedHash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)); err != nil {
		return ErrInvalidKey
	}
	return nil
}
