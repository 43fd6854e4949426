package blob

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariantPath(t *testing.T) {
	assert.Equal(t, "/tmp/files_manager/abc_500", VariantPath("/tmp/files_manager/abc", 500))
	assert.Equal(t, "uploads/key_100", VariantPath("uploads/key", 100))
}

func TestContentType(t *testing.T) {
	pngHeader := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	assert.Equal(t, "image/png", ContentType("photo.PNG", nil))
	assert.True(t, strings.HasPrefix(ContentType("notes.txt", nil), "text/plain"))
	assert.Equal(t, "image/png", ContentType("no-extension", pngHeader))
	assert.Equal(t, "image/png", ContentType("weird.unknownext", pngHeader))
	assert.Equal(t, DefaultContentType, ContentType("", nil))
	assert.Equal(t, DefaultContentType, ContentType("blob", []byte{0x00, 0x01, 0x02, 0x03}))
}
