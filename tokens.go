package accounts

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
)

// Default expiry windows
const (
	DefaultPasswordResetExpiry = 1 * time.Hour
	DefaultAutoLoginExpireDays = 30
)

// SessionKeyBytes is the entropy of an issued session key. Keys are stored
// hex encoded, so the stored form is twice this long.
const SessionKeyBytes = 16

// argon2id parameters. Changing any of these invalidates every stored hash.
const (
	hashTime    = 2
	hashMemory  = 19 * 1024
	hashThreads = 1
	hashKeyLen  = 32
)

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	return randomHex(32)
}

// NewSessionKey returns a fresh random session key.
func NewSessionKey() (string, error) {
	return randomHex(SessionKeyBytes)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword derives the stored digest for a password. The same password
// and salt always produce the same digest. The password is used byte for byte.
func HashPassword(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), hashTime, hashMemory, hashThreads, hashKeyLen)
	return hex.EncodeToString(key)
}

// CheckPassword reports whether password hashes to the given digest.
func CheckPassword(digest, password, salt string) bool {
	return SecretsEqual(digest, HashPassword(password, salt))
}

// SecretsEqual compares two secrets in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
