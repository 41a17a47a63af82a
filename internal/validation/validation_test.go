package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/config"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

func newTestService() *Service {
	return New(&config.Config{
		MaxFileSize:      1024 * 1024,
		AllowedMimeTypes: []string{"application/pdf", "image/png", "image/jpeg", "text/plain"},
	})
}

func TestValidateDetectsMimeFromMagicBytesOverGenericDeclared(t *testing.T) {
	s := newTestService()
	data := append([]byte("%PDF-1.4"), make([]byte, 16)...)

	result, err := s.Validate("report.pdf", data, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.DetectedMimeType)
	assert.Equal(t, "pdf", result.FileType)
}

func TestValidateRejectsDisallowedMimeType(t *testing.T) {
	s := newTestService()
	data := []byte{0x42, 0x4D, 0, 0, 0, 0, 0, 0}

	_, err := s.Validate("image.bmp", data, "image/bmp")
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))
}

func TestValidateRejectsOversizedFile(t *testing.T) {
	s := newTestService()
	data := make([]byte, 2*1024*1024)
	copy(data, "%PDF")

	_, err := s.Validate("huge.pdf", data, "application/pdf")
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))
}

func TestValidateRejectsEmptyFile(t *testing.T) {
	s := newTestService()
	_, err := s.Validate("empty.pdf", nil, "application/pdf")
	require.Error(t, err)
}

func TestValidateSanitizesFilename(t *testing.T) {
	s := newTestService()
	data := append([]byte("%PDF-1.4"), make([]byte, 16)...)

	result, err := s.Validate("../../etc/passwd report!@#.pdf", data, "application/pdf")
	require.NoError(t, err)
	assert.NotContains(t, result.SanitizedFileName, "/")
	assert.NotContains(t, result.SanitizedFileName, "!")
}

func TestValidateScansTextContentForScriptTags(t *testing.T) {
	s := New(&config.Config{MaxFileSize: 1024, AllowedMimeTypes: []string{"text/plain"}})
	data := []byte("hello <script>alert(1)</script> world")

	_, err := s.Validate("note.txt", data, "text/plain")
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))
}

func TestValidateScansTextContentForSQLInjection(t *testing.T) {
	s := New(&config.Config{MaxFileSize: 1024, AllowedMimeTypes: []string{"text/plain"}})
	data := []byte("id=1; DROP TABLE users;--")

	_, err := s.Validate("note.txt", data, "text/plain")
	require.Error(t, err)
}

func TestSanitizeFilenameEdgeCases(t *testing.T) {
	cases := map[string]string{
		"..":            "",
		".":             "",
		"":              "",
		"a/b/c.pdf":     "c.pdf",
		"weird name.pdf": "weird_name.pdf",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), "input %q", in)
	}
}

func TestDetectMimeTypeFromMagicBytesKnownSignatures(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"gif87", []byte("GIF87a"), "image/gif"},
		{"tiff-le", []byte{0x49, 0x49, 0x2A, 0x00}, "image/tiff"},
		{"too-short", []byte{0x01, 0x02}, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, detectMimeTypeFromMagicBytes(tc.data), tc.name)
	}
}
