package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const tokenKeyPrefix = "auth_"

var errTokenRequired = errors.New("session token required")

// tokenKey derives the backend key for token. Only the digest is stored so a
// dump of the key space does not reveal usable credentials.
func tokenKey(token string) (string, error) {
	if token == "" {
		return "", errTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(digest[:]), nil
}
