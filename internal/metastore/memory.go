package metastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adverant/docuflow/internal/clock"
	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/model"
)

// MemoryStore is an in-process MetaStore backed by a sync.Mutex-guarded
// map. It implements the exact same atomicity contract as the Postgres
// and bbolt stores (single global lock per call, SKIP-LOCKED emulated by
// scanning under the lock) and is used by the test suites across
// storage, document and ocrqueue without requiring a database.
type MemoryStore struct {
	ids   clock.IdGen
	clk   clock.Clock
	mu    sync.Mutex
	docs  map[string]*model.Document
	jobs  map[string]*model.OcrJob
	logs  []*model.AccessLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(ids clock.IdGen, clk clock.Clock) *MemoryStore {
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{
		ids:  ids,
		clk:  clk,
		docs: map[string]*model.Document{},
		jobs: map[string]*model.OcrJob{},
	}
}

func etagFor(id string, version int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, version)))
	return hex.EncodeToString(sum[:])[:32]
}

func cloneDoc(d *model.Document) *model.Document {
	cp := *d
	cp.Tags = append([]string(nil), d.Tags...)
	cp.Metadata = cloneMap(d.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneJob(j *model.OcrJob) *model.OcrJob {
	cp := *j
	cp.Options = cloneMap(j.Options)
	cp.Result = cloneMap(j.Result)
	return &cp
}

// --- Document operations ---

func (s *MemoryStore) InsertDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.docs {
		if existing.StorageKey == doc.StorageKey {
			return nil, cerrors.NewConflict(fmt.Sprintf("storage_key already exists: %s", doc.StorageKey), nil)
		}
	}

	cp := cloneDoc(doc)
	if cp.ID == "" {
		cp.ID = s.ids.NewID()
	}
	cp.Version = 1
	cp.ETag = etagFor(cp.ID, cp.Version)
	now := s.clk.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.docs[cp.ID] = cp
	return cloneDoc(cp), nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id string, includeDeleted bool) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, cerrors.NewNotFound("document", id)
	}
	if d.DeletedAt != nil && !includeDeleted {
		return nil, cerrors.NewNotFound("document", id)
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) ListDocumentsByOwner(ctx context.Context, owner string, cursor string, filter DocumentFilter) (Page[*model.Document], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Document
	for _, d := range s.docs {
		if d.OwnerID != owner {
			continue
		}
		if d.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if cursor != "" {
		for i, d := range matched {
			if d.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	var page Page[*model.Document]
	for _, d := range matched[start:end] {
		page.Items = append(page.Items, cloneDoc(d))
	}
	if end < len(matched) {
		page.NextCursor = matched[end-1].ID
	}
	return page, nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, id string, patch DocumentPatch, ifMatchETag string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, cerrors.NewNotFound("document", id)
	}
	if ifMatchETag != "" && d.ETag != ifMatchETag {
		return nil, cerrors.NewPreconditionFailed(id, ifMatchETag, d.ETag)
	}

	if patch.FileName != nil {
		d.FileName = *patch.FileName
	}
	if patch.Tags != nil {
		d.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Metadata != nil {
		d.Metadata = cloneMap(patch.Metadata)
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.SecurityScanStatus != nil {
		d.SecurityScanStatus = *patch.SecurityScanStatus
	}
	if patch.VirusScanStatus != nil {
		d.VirusScanStatus = *patch.VirusScanStatus
	}

	d.Version++
	d.ETag = etagFor(d.ID, d.Version)
	d.UpdatedAt = s.clk.Now()
	return cloneDoc(d), nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string, ifMatchETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return cerrors.NewNotFound("document", id)
	}
	if d.DeletedAt != nil {
		return nil // idempotent
	}
	if ifMatchETag != "" && d.ETag != ifMatchETag {
		return cerrors.NewPreconditionFailed(id, ifMatchETag, d.ETag)
	}
	now := s.clk.Now()
	d.DeletedAt = &now
	d.Status = model.DocumentDeleted
	d.Version++
	d.ETag = etagFor(d.ID, d.Version)
	d.UpdatedAt = now
	return nil
}

func (s *MemoryStore) HardDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return cerrors.NewNotFound("document", id)
	}
	delete(s.docs, id)
	for jobID, j := range s.jobs {
		if j.DocumentID == id {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

func (s *MemoryStore) IncrementAccessCounters(ctx context.Context, id string, delta int64, accessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return cerrors.NewNotFound("document", id)
	}
	d.DownloadCount += delta
	d.LastAccessed = &accessedAt
	return nil
}

func (s *MemoryStore) SumOwnerFileSize(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, d := range s.docs {
		if d.OwnerID == ownerID && d.DeletedAt == nil {
			total += d.FileSize
		}
	}
	return total, nil
}

func (s *MemoryStore) FilterOrphanedStorageKeys(ctx context.Context, candidateKeys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(s.docs))
	for _, d := range s.docs {
		live[d.StorageKey] = true
	}
	var orphans []string
	for _, key := range candidateKeys {
		if !live[key] {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}

// --- OcrJob operations ---

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *model.OcrJob) (*model.OcrJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[job.DocumentID]
	if !ok || doc.DeletedAt != nil {
		return nil, cerrors.NewValidation(fmt.Sprintf("document not linkable: %s", job.DocumentID), nil)
	}

	cp := cloneJob(job)
	if cp.ID == "" {
		cp.ID = s.ids.NewID()
	}
	cp.Status = model.JobPending
	if cp.MaxRetries == 0 {
		cp.MaxRetries = 3
	}
	now := s.clk.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.jobs[cp.ID] = cp
	return cloneJob(cp), nil
}

// LeaseOneJob implements the atomic SELECT-AND-UPDATE of spec §4.2,
// ordered by (priority ASC, created_at ASC, id ASC), honoring the
// visibility timeout in options._not_before.
func (s *MemoryStore) LeaseOneJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.OcrJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var candidates []*model.OcrJob
	for _, j := range s.jobs {
		if j.Status != model.JobPending {
			continue
		}
		if j.RetryCount > j.MaxRetries {
			continue
		}
		if nb := j.NotBefore(); !nb.IsZero() && nb.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	chosen.Status = model.JobProcessing
	chosen.LeaseOwner = workerID
	expires := now.Add(leaseDuration)
	chosen.LeaseExpiresAt = &expires
	if chosen.ProcessingStartedAt == nil {
		chosen.ProcessingStartedAt = &now
	}
	chosen.UpdatedAt = now
	return cloneJob(chosen), nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
		return cerrors.NewLeaseLost(jobID, workerID)
	}
	expires := s.clk.Now().Add(leaseDuration)
	j.LeaseExpiresAt = &expires
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID, workerID string, completion OCRCompletion, jobResult model.OcrJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
		return cerrors.NewLeaseLost(jobID, workerID)
	}

	doc, ok := s.docs[j.DocumentID]
	if !ok {
		return cerrors.NewNotFound("document", j.DocumentID)
	}

	now := s.clk.Now()
	j.Status = model.JobCompleted
	j.Result = cloneMap(jobResult.Result)
	j.ExtractedText = jobResult.ExtractedText
	j.ConfidenceScore = jobResult.ConfidenceScore
	j.PageCount = jobResult.PageCount
	j.WordCount = jobResult.WordCount
	j.CharacterCount = jobResult.CharacterCount
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.ProcessingCompletedAt = &now
	j.UpdatedAt = now

	doc.OCRCompleted = true
	doc.OCRJobID = jobID
	doc.OCRText = completion.OCRText
	doc.OCRConfidence = completion.OCRConfidence
	doc.OCRLanguage = completion.OCRLanguage
	doc.OCRPageCount = completion.OCRPageCount
	doc.OCRWordCount = completion.OCRWordCount
	if doc.Status != model.DocumentDeleted {
		doc.Status = model.DocumentCompleted
	}
	doc.Version++
	doc.ETag = etagFor(doc.ID, doc.Version)
	doc.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID, workerID, errCode, errMessage string, retryable bool, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
		return cerrors.NewLeaseLost(jobID, workerID)
	}

	now := s.clk.Now()
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.ErrorCode = errCode
	j.ErrorMessage = errMessage
	j.UpdatedAt = now

	if retryable && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = model.JobPending
		j.SetNotBefore(now.Add(backoff))
		return nil
	}

	j.Status = model.JobFailed
	if doc, ok := s.docs[j.DocumentID]; ok && !doc.OCRCompleted {
		doc.Status = model.DocumentFailed
		doc.Version++
		doc.ETag = etagFor(doc.ID, doc.Version)
		doc.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if j.Status != model.JobPending && j.Status != model.JobProcessing {
		return nil // already terminal; cancel is a no-op, not an error
	}
	j.Status = model.JobCancelled
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = s.clk.Now()
	return nil
}

func (s *MemoryStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status != model.JobProcessing {
			continue
		}
		if j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = model.JobPending
		j.RetryCount++
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		if j.RetryCount > j.MaxRetries {
			j.Status = model.JobFailed
			if doc, ok := s.docs[j.DocumentID]; ok && !doc.OCRCompleted {
				doc.Status = model.DocumentFailed
				doc.Version++
				doc.ETag = etagFor(doc.ID, doc.Version)
				doc.UpdatedAt = now
			}
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*model.OcrJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, cerrors.NewNotFound("ocr_job", jobID)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) (Page[*model.OcrJob], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.OcrJob
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.DocumentID != "" && j.DocumentID != filter.DocumentID {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if filter.Cursor != "" {
		for i, j := range matched {
			if j.ID == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	var page Page[*model.OcrJob]
	for _, j := range matched[start:end] {
		page.Items = append(page.Items, cloneJob(j))
	}
	if end < len(matched) {
		page.NextCursor = matched[end-1].ID
	}
	return page, nil
}

// --- AccessLog ---

func (s *MemoryStore) AppendAccessLog(ctx context.Context, entry *model.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = s.ids.NewID()
	}
	if cp.AccessedAt.IsZero() {
		cp.AccessedAt = s.clk.Now()
	}
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
