package storage

import (
	"strings"

	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.NewString()
}

// isUUID reports whether id parses as a UUID. Postgres rejects malformed
// values with an error, so lookups short-circuit them to "absent" instead.
func isUUID(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
