package storage

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // legacy digests are verified, never produced
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	pbkdf2Scheme = "pbkdf2$sha256"
)

// passwordDigest is a parsed stored credential. New digests are always
// pbkdf2-sha256; bare 40-character hex strings are unsalted SHA1 digests
// carried over from user records created by the earlier service.
type passwordDigest struct {
	legacy     bool
	iterations int
	salt       []byte
	key        []byte
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	d := passwordDigest{
		iterations: passwordHashIterations,
		salt:       salt,
		key:        pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New),
	}
	return d.String(), nil
}

func (d passwordDigest) String() string {
	if d.legacy {
		return hex.EncodeToString(d.key)
	}
	return fmt.Sprintf("%s$%d$%s$%s", pbkdf2Scheme, d.iterations,
		base64.RawStdEncoding.EncodeToString(d.salt),
		base64.RawStdEncoding.EncodeToString(d.key))
}

func parseDigest(encoded string) (passwordDigest, error) {
	if len(encoded) == sha1.Size*2 && !strings.Contains(encoded, "$") {
		key, err := hex.DecodeString(encoded)
		if err != nil {
			return passwordDigest{}, fmt.Errorf("decode legacy digest: %w", err)
		}
		return passwordDigest{legacy: true, key: key}, nil
	}

	scheme, rest, ok := cutN(encoded, "$", 2)
	if !ok {
		return passwordDigest{}, fmt.Errorf("invalid hash format")
	}
	if scheme != pbkdf2Scheme {
		return passwordDigest{}, fmt.Errorf("unsupported hash identifier %q", scheme)
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 3 {
		return passwordDigest{}, fmt.Errorf("invalid hash format")
	}
	iterations, err := strconv.Atoi(fields[0])
	if err != nil || iterations <= 0 {
		return passwordDigest{}, fmt.Errorf("invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[1])
	if err != nil {
		return passwordDigest{}, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return passwordDigest{}, fmt.Errorf("decode hash: %w", err)
	}
	if len(key) == 0 {
		return passwordDigest{}, fmt.Errorf("empty key")
	}
	return passwordDigest{iterations: iterations, salt: salt, key: key}, nil
}

// cutN splits s after the n-th occurrence of sep.
func cutN(s, sep string, n int) (string, string, bool) {
	idx := 0
	for i := 0; i < n; i++ {
		next := strings.Index(s[idx:], sep)
		if next < 0 {
			return "", "", false
		}
		idx += next + len(sep)
	}
	return s[:idx-len(sep)], s[idx:], true
}

func (d passwordDigest) matches(candidate string) bool {
	var derived []byte
	if d.legacy {
		sum := sha1.Sum([]byte(candidate)) //nolint:gosec // legacy verification only
		derived = sum[:]
	} else {
		derived = pbkdf2.Key([]byte(candidate), d.salt, d.iterations, len(d.key), sha256.New)
	}
	return subtle.ConstantTimeCompare(derived, d.key) == 1
}

// verifyPassword returns ErrInvalidCredentials when candidate does not match
// the digest and a descriptive error when the digest itself is unreadable.
func verifyPassword(encodedHash, candidate string) error {
	digest, err := parseDigest(encodedHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !digest.matches(candidate) {
		return ErrInvalidCredentials
	}
	return nil
}
