// Package blob persists raw file bytes and the derived thumbnail variants.
package blob

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is returned when a path does not exist at read time.
var ErrNotFound = errors.New("blob not found")

// DefaultContentType is served when neither the name nor the bytes identify
// the content.
const DefaultContentType = "application/octet-stream"

// Store persists blobs addressed by opaque paths.
type Store interface {
	// Write stores data under a freshly generated unique name.
	Write(ctx context.Context, data []byte) (string, error)
	// Overwrite replaces the blob at path, creating it when absent.
	Overwrite(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	// Delete removes path. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error
	Ping(ctx context.Context) error
}

// VariantPath derives the location of a thumbnail for localPath. It does not
// check existence.
func VariantPath(localPath string, width int) string {
	return localPath + "_" + strconv.Itoa(width)
}

// ContentType resolves the media type for a node named name whose content is
// data: the extension first, then content sniffing.
func ContentType(name string, data []byte) string {
	if ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name))); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if len(data) > 0 {
		if detected := mimetype.Detect(data); detected != nil {
			return detected.String()
		}
	}
	return DefaultContentType
}
