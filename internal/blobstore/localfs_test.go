package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/capability"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

func newTestLocalFS(t *testing.T) *LocalFS {
	t.Helper()
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalFSPutGetRoundTrip(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()
	data := []byte("scanned document bytes")

	hash, err := store.Put(ctx, "documents/owner-1/2026/abc.pdf", data)
	require.NoError(t, err)
	assert.Len(t, hash, 64, "Put returns a lower-hex sha256 digest")

	got, err := store.Get(ctx, "documents/owner-1/2026/abc.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalFSGetMissingKeyReturnsNotFound(t *testing.T) {
	store := newTestLocalFS(t)
	_, err := store.Get(context.Background(), "documents/missing.pdf")
	require.Error(t, err)
	assert.Equal(t, cerrors.NotFound, cerrors.CodeOf(err))
}

func TestLocalFSRejectsPathTraversal(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "../../../etc/passwd", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))

	_, err = store.Get(ctx, "../../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))
}

func TestLocalFSDeleteIsIdempotent(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()
	_, err := store.Put(ctx, "documents/a.pdf", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "documents/a.pdf"))
	require.NoError(t, store.Delete(ctx, "documents/a.pdf"), "deleting a missing key is not an error")

	_, err = store.Get(ctx, "documents/a.pdf")
	require.Error(t, err)
}

func TestLocalFSHeadReturnsSizeAndETag(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()
	data := []byte("some content")
	_, err := store.Put(ctx, "documents/b.pdf", data)
	require.NoError(t, err)

	meta, err := store.Head(ctx, "documents/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Len(t, meta.ETag, 64)
}

func TestLocalFSPresignGetRequiresExistingKey(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()

	_, err := store.Presign(ctx, "documents/missing.pdf", capability.BlobGet, time.Minute)
	require.Error(t, err)
	assert.Equal(t, cerrors.NotFound, cerrors.CodeOf(err))

	_, err = store.Put(ctx, "documents/c.pdf", []byte("x"))
	require.NoError(t, err)
	url, err := store.Presign(ctx, "documents/c.pdf", capability.BlobGet, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url.URL, "documents/c.pdf")
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), url.ExpiresAt, 5*time.Second)
}

func TestLocalFSListFiltersByPrefix(t *testing.T) {
	store := newTestLocalFS(t)
	ctx := context.Background()
	_, err := store.Put(ctx, "documents/owner-1/a.pdf", []byte("x"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "documents/owner-2/b.pdf", []byte("y"))
	require.NoError(t, err)

	keys, err := store.List(ctx, "documents/owner-1/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "documents/owner-1/a.pdf", keys[0])
}
