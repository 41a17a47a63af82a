package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		MetaStoreKind:    "bolt",
		BoltPath:         filepath.Join(dir, "docuflow.db"),
		BlobStoreKind:    "localfs",
		LocalFSRoot:      filepath.Join(dir, "blobs"),
		WorkerCount:      1,
		MaxFileSize:      1024 * 1024,
		AllowedMimeTypes: []string{"application/pdf"},
		PresignTTLMax:    time.Minute,
		OwnerQuotaBytes:  1024 * 1024 * 1024,
		SupportedFormats: []string{"pdf"},
		OCRRateLimitRPS:  5,
		TesseractPath:    "/usr/bin/tesseract",
		// RedisURL left empty: newNotifier must degrade to poll-only
		// rather than fail Core construction.
	}
}

func TestNewBuildsAFullyWiredCoreWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Blobs)
	assert.NotNil(t, c.Secrets)
	assert.NotNil(t, c.Validator)
	assert.NotNil(t, c.Storage)
	assert.NotNil(t, c.Sweeper)
	assert.NotNil(t, c.OCR)
	assert.NotNil(t, c.AccessLog)
	assert.NotNil(t, c.Queue)
	assert.NotNil(t, c.Documents)
}

func TestCoreCloseReleasesStoreWithoutError(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
