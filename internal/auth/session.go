package auth

import (
	"fmt"
	"strings"
	"sync"
)

// SessionResolver maps operator bearer tokens to the owner they act for.
// Tokens are kept only as SHA-256 digests.
type SessionResolver struct {
	mu     sync.RWMutex
	owners map[tokenDigest]string
}

// NewSessionResolver builds a resolver from a token to owner table.
func NewSessionResolver(tokens map[string]string) (*SessionResolver, error) {
	resolver := &SessionResolver{owners: make(map[tokenDigest]string, len(tokens))}
	for token, ownerID := range tokens {
		if err := resolver.Grant(token, ownerID); err != nil {
			return nil, err
		}
	}
	return resolver, nil
}

// Grant registers token for ownerID, replacing any previous mapping.
func (r *SessionResolver) Grant(token, ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return fmt.Errorf("grant operator token: owner is required")
	}
	hashed, err := digestToken(token)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.owners[hashed] = ownerID
	r.mu.Unlock()
	return nil
}

// Revoke forgets token.
func (r *SessionResolver) Revoke(token string) {
	hashed, err := digestToken(token)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.owners, hashed)
	r.mu.Unlock()
}

// Resolve returns the owner bound to token.
func (r *SessionResolver) Resolve(token string) (string, bool) {
	if r == nil {
		return "", false
	}
	hashed, err := digestToken(token)
	if err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ownerID, ok := r.owners[hashed]
	return ownerID, ok
}

// ParseOperatorTokens parses "token:owner" pairs separated by commas.
func ParseOperatorTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, ownerID, ok := strings.Cut(entry, ":")
		token = strings.TrimSpace(token)
		ownerID = strings.TrimSpace(ownerID)
		if !ok || token == "" || ownerID == "" {
			return nil, fmt.Errorf("operator token %q must look like token:owner", entry)
		}
		tokens[token] = ownerID
	}
	return tokens, nil
}
