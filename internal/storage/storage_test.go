package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/blobstore"
	"github.com/adverant/docuflow/internal/config"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestService(t *testing.T) *Service {
	t.Helper()
	blobs, err := blobstore.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	clk := fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := &config.Config{PresignTTLMax: 15 * time.Minute}
	return New(blobs, clk, cfg, "test-bucket")
}

func TestStoreComputesContentAddressedKey(t *testing.T) {
	s := newTestService(t)
	data := []byte("document contents")

	stored, err := s.Store(context.Background(), "owner-1", "scan.pdf", data, "application/pdf", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "documents/owner-1/2026/"+stored.Hash+".pdf", stored.Key)
	assert.Equal(t, int64(len(data)), stored.Size)
	assert.Equal(t, "test-bucket", stored.Bucket)
}

func TestStoreDedupsIdenticalContent(t *testing.T) {
	s := newTestService(t)
	data := []byte("identical bytes")

	first, err := s.Store(context.Background(), "owner-1", "a.pdf", data, "application/pdf", "pdf")
	require.NoError(t, err)
	second, err := s.Store(context.Background(), "owner-1", "b.pdf", data, "application/pdf", "pdf")
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key, "same owner+year+hash dedupes to the same storage key")
}

func TestPresignClampsTTLToConfiguredMax(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	stored, err := s.Store(ctx, "owner-1", "a.pdf", []byte("x"), "application/pdf", "pdf")
	require.NoError(t, err)

	url, err := s.Presign(ctx, stored.Key, "get", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(s.presignTTLMax), url.ExpiresAt, 5*time.Second,
		"a requested ttl above presignTTLMax is clamped down")
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	stored, err := s.Store(ctx, "owner-1", "a.pdf", []byte("x"), "application/pdf", "pdf")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, stored.Key))
	require.NoError(t, s.Delete(ctx, stored.Key))
}
