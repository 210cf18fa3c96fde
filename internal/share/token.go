package share

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenBytes gives 128 bits of randomness per token.
const tokenBytes = 16

// maxTokenLength bounds what Resolve accepts before touching the store.
const maxTokenLength = 128

// TokenIssuer mints opaque share tokens.
type TokenIssuer func() (string, error)

// IssueToken returns a hex encoded token read from crypto/rand.
func IssueToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// plausibleToken rejects strings no issuer could have produced: empty, too
// long, or outside the URL-safe alphabet.
func plausibleToken(token string) bool {
	if token == "" || len(token) > maxTokenLength {
		return false
	}
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
