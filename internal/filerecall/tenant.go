package filerecall

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// generateAccessToken returns a cryptographically random tenant access
// token. Collisions are astronomically unlikely at 32 bytes of entropy;
// the manager still enforces uniqueness at insert time via the sqlite
// UNIQUE constraint on the access_token column.
func generateAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("filerecall: generate access token: %w", err)
	}
	return "frt_" + base64.RawURLEncoding.EncodeToString(b), nil
}
