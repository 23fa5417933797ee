package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Token returns n random bytes hex encoded, for lock ownership tokens.
func Token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("util: failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
