package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"multicam-live/internal/models"
)

const (
	pinHashIterations = 120000
	pinHashSaltLength = 16
	pinHashKeyLength  = 32
)

var errPINRequired = errors.New("pin is required")

// HashPIN derives a pbkdf2-sha256 hash in the form
// pbkdf2$sha256$<iterations>$<salt>$<key>.
func HashPIN(pin string) (string, error) {
	if pin == "" {
		return "", errPINRequired
	}
	salt := make([]byte, pinHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(pin), salt, pinHashIterations, pinHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", pinHashIterations, encodedSalt, encodedKey), nil
}

// VerifyPIN compares candidate against an encoded hash. A mismatch returns
// models.ErrInvalidCredential; a malformed hash returns a plain error.
func VerifyPIN(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify pin: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify pin: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify pin: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify pin: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify pin: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return models.ErrInvalidCredential
	}
	return nil
}
