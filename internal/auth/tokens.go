package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var errOperatorTokenRequired = errors.New("operator token required")

type tokenDigest [sha256.Size]byte

// digestToken trims token and hashes it. Only digests are ever stored.
func digestToken(token string) (tokenDigest, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return tokenDigest{}, errOperatorTokenRequired
	}
	return sha256.Sum256([]byte(token)), nil
}

// GenerateToken returns size random bytes hex encoded; size defaults to 32.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
