package metastore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/model"
)

// fakeClock gives tests a controllable Now() without depending on
// wall-clock timing, matching clock.Clock's single-method contract.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// sequentialIDs mints predictable ids so ordering assertions don't rely
// on uuid string comparison.
type sequentialIDs struct{ n int }

func (g *sequentialIDs) NewID() string {
	g.n++
	return "id-" + strconv.Itoa(g.n)
}

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStore(&sequentialIDs{}, clk), clk
}

func mustInsertDocument(t *testing.T, s *MemoryStore, id string) *model.Document {
	t.Helper()
	doc, err := s.InsertDocument(context.Background(), &model.Document{
		ID:       id,
		OwnerID:  "owner-1",
		FileName: "scan.pdf",
		FileHash: "deadbeef",
		Status:   model.DocumentUploaded,
	})
	require.NoError(t, err)
	return doc
}

func TestEnqueueJobDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")

	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries, "MaxRetries defaults to 3 when unset")
}

func TestEnqueueJobRejectsUnknownDocument(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.EnqueueJob(context.Background(), &model.OcrJob{DocumentID: "missing", Priority: 5})
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.CodeOf(err))
}

func TestLeaseOneJobOrdersByPriorityThenCreatedAt(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")

	// Same priority, with ids sorting opposite to creation order: the earlier
	// created_at must win despite id ordering the other way.
	low, err := s.EnqueueJob(ctx, &model.OcrJob{ID: "job-b", DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	clk.advance(time.Second)
	_, err = s.EnqueueJob(ctx, &model.OcrJob{ID: "job-a", DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)

	// A higher-priority (lower number) job enqueued last must still win.
	clk.advance(time.Second)
	urgent, err := s.EnqueueJob(ctx, &model.OcrJob{ID: "job-urgent", DocumentID: "doc-1", Priority: 1})
	require.NoError(t, err)

	leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, urgent.ID, leased.ID)

	leased, err = s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, low.ID, leased.ID, "earlier created_at wins the priority-5 tie")
}

func TestLeaseOneJobReturnsNilWhenQueueEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	leased, err := s.LeaseOneJob(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestLeaseOneJobHonorsNotBefore(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")

	job, err := s.EnqueueJob(ctx, &model.OcrJob{ID: "job-1", DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	job.SetNotBefore(clk.now.Add(time.Hour))
	s.jobs[job.ID].Options = job.Options

	leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, leased, "job visible in the future must not be leased yet")

	clk.advance(2 * time.Hour)
	leased, err = s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "job-1", leased.ID)
}

func TestRenewLeaseRejectsWrongOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, _ := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	_, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = s.RenewLease(ctx, job.ID, "worker-2", time.Minute)
	require.Error(t, err)
	assert.Equal(t, cerrors.LeaseLost, cerrors.CodeOf(err))
}

func TestCompleteJobUpdatesDocumentAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = s.CompleteJob(ctx, leased.ID, "worker-1",
		OCRCompletion{OCRJobID: leased.ID, OCRText: "hello world", OCRConfidence: 0.97, OCRPageCount: 1, OCRWordCount: 2},
		model.OcrJob{ExtractedText: "hello world", ConfidenceScore: 0.97, PageCount: 1, WordCount: 2, CharacterCount: 11},
	)
	require.NoError(t, err)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, gotJob.Status)
	assert.Equal(t, "hello world", gotJob.ExtractedText)

	doc, err := s.GetDocument(ctx, "doc-1", false)
	require.NoError(t, err)
	assert.True(t, doc.OCRCompleted)
	assert.Equal(t, model.DocumentCompleted, doc.Status)
	assert.Equal(t, int64(2), doc.Version, "insert is version 1, complete bumps to 2")
}

func TestCompleteJobRejectsStaleLeaseOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	_, err = s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = s.CompleteJob(ctx, job.ID, "worker-2", OCRCompletion{}, model.OcrJob{})
	require.Error(t, err)
	assert.Equal(t, cerrors.LeaseLost, cerrors.CodeOf(err))
}

func TestFailJobRetriesUntilMaxRetriesThenFails(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5, MaxRetries: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d", i)
		err = s.FailJob(ctx, leased.ID, "worker-1", "OCR_TIMEOUT", "timed out", true, time.Millisecond)
		require.NoError(t, err)
		clk.advance(time.Second)

		gotJob, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, gotJob.Status, "retryable failure re-queues the job")
	}

	leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	err = s.FailJob(ctx, leased.ID, "worker-1", "OCR_TIMEOUT", "timed out", true, time.Millisecond)
	require.NoError(t, err)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status, "exceeding max_retries is terminal")

	doc, err := s.GetDocument(ctx, "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)
}

func TestFailJobNonRetryableFailsImmediately(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	_, err = s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	err = s.FailJob(ctx, job.ID, "worker-1", "VALIDATION", "bad input", false, 0)
	require.NoError(t, err)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status)
	assert.Equal(t, 0, gotJob.RetryCount)
}

func TestCancelJobIsIdempotentOnTerminalStates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	job, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, job.ID))
	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, gotJob.Status)

	require.NoError(t, s.CancelJob(ctx, job.ID), "cancelling an already-cancelled job is a no-op, not an error")
}

func TestExpireLeasesRequeuesPastDeadline(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	mustInsertDocument(t, s, "doc-1")
	_, err := s.EnqueueJob(ctx, &model.OcrJob{DocumentID: "doc-1", Priority: 5})
	require.NoError(t, err)
	leased, err := s.LeaseOneJob(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	n, err := s.ExpireLeases(ctx, clk.now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease not yet expired")

	clk.advance(2 * time.Minute)
	n, err = s.ExpireLeases(ctx, clk.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotJob, err := s.GetJob(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, gotJob.Status)
	assert.Empty(t, gotJob.LeaseOwner)
}

func TestUpdateDocumentRejectsStaleETag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	doc := mustInsertDocument(t, s, "doc-1")

	newName := "renamed.pdf"
	_, err := s.UpdateDocument(ctx, doc.ID, DocumentPatch{FileName: &newName}, "stale-etag")
	require.Error(t, err)
	assert.Equal(t, cerrors.PreconditionFailed, cerrors.CodeOf(err))

	updated, err := s.UpdateDocument(ctx, doc.ID, DocumentPatch{FileName: &newName}, doc.ETag)
	require.NoError(t, err)
	assert.Equal(t, newName, updated.FileName)
	assert.NotEqual(t, doc.ETag, updated.ETag)
}
