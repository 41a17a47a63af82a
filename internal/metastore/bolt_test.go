package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/model"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docuflow.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltInsertAndGetDocumentRoundTrip(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	inserted, err := store.InsertDocument(ctx, &model.Document{
		ID: "doc-1", OwnerID: "owner-1", FileName: "scan.pdf", Status: model.DocumentUploaded,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.Version)
	assert.NotEmpty(t, inserted.ETag)

	got, err := store.GetDocument(ctx, "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, "scan.pdf", got.FileName)
}

func TestBoltGetDocumentMissingReturnsNotFound(t *testing.T) {
	store := newTestBoltStore(t)
	_, err := store.GetDocument(context.Background(), "missing", false)
	require.Error(t, err)
	assert.Equal(t, cerrors.NotFound, cerrors.CodeOf(err))
}

func TestBoltUpdateDocumentRejectsStaleETag(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	doc, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	newName := "renamed.pdf"
	_, err = store.UpdateDocument(ctx, doc.ID, DocumentPatch{FileName: &newName}, "stale-etag")
	require.Error(t, err)
	assert.Equal(t, cerrors.PreconditionFailed, cerrors.CodeOf(err))

	updated, err := store.UpdateDocument(ctx, doc.ID, DocumentPatch{FileName: &newName}, doc.ETag)
	require.NoError(t, err)
	assert.Equal(t, newName, updated.FileName)
}

func TestBoltSoftDeleteHidesDocumentFromDefaultGet(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	doc, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	require.NoError(t, store.SoftDelete(ctx, doc.ID, doc.ETag))

	_, err = store.GetDocument(ctx, doc.ID, false)
	require.Error(t, err)
	assert.Equal(t, cerrors.NotFound, cerrors.CodeOf(err))

	got, err := store.GetDocument(ctx, doc.ID, true)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestBoltEnqueueAndLeaseJob(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	_, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	job, err := store.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)

	leased, err := store.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.ID, leased.ID)
	assert.Equal(t, model.JobProcessing, leased.Status)

	again, err := store.LeaseOneJob(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "job is already leased, no other candidates exist")
}

func TestBoltCompleteJobUpdatesDocumentAtomically(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	_, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)
	job, err := store.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	leased, err := store.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = store.CompleteJob(ctx, leased.ID, "worker-1",
		OCRCompletion{OCRJobID: leased.ID, OCRText: "hello", OCRConfidence: 0.9, OCRPageCount: 1},
		model.OcrJob{ExtractedText: "hello", ConfidenceScore: 0.9, PageCount: 1},
	)
	require.NoError(t, err)

	gotJob, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, gotJob.Status)

	doc, err := store.GetDocument(ctx, "doc-1", false)
	require.NoError(t, err)
	assert.True(t, doc.OCRCompleted)
	assert.Equal(t, model.DocumentCompleted, doc.Status)
}

func TestBoltExpireLeasesRequeuesPastDeadline(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	_, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)
	_, err = store.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	leased, err := store.LeaseOneJob(ctx, "worker-1", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	n, err := store.ExpireLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotJob, err := store.GetJob(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, gotJob.Status)
}

func TestBoltCancelJobIsIdempotentOnTerminalStates(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()
	_, err := store.InsertDocument(ctx, &model.Document{ID: "doc-1", OwnerID: "owner-1"})
	require.NoError(t, err)
	job, err := store.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)

	require.NoError(t, store.CancelJob(ctx, job.ID))
	require.NoError(t, store.CancelJob(ctx, job.ID), "cancelling an already-cancelled job is a no-op, not an error")

	gotJob, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, gotJob.Status)
}
