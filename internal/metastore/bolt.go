package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/model"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketJobs      = []byte("ocr_jobs")
	bucketAccessLog = []byte("access_log")
)

// BoltStore is the embedded MetaStore for single-process / dev
// deployments, satisfying the "persistent key/value" half of spec §2
// item 4 without a Postgres server. Grounded on cuemby-warren's use of
// go.etcd.io/bbolt as an embedded key/value backing store; generalized
// here to carry the same Store contract as PostgresStore, with
// per-call transactions in place of SQL and JSON-encoded values in
// place of rows.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file at path and
// ensures the three buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketJobs, bucketAccessLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

var _ Store = (*BoltStore)(nil)

func (b *BoltStore) Close() error { return b.db.Close() }

func putJSON(bkt *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), data)
}

func (b *BoltStore) InsertDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	out := cloneDoc(doc)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing model.Document
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.StorageKey == out.StorageKey {
				return cerrors.NewConflict(fmt.Sprintf("storage_key already exists: %s", out.StorageKey), nil)
			}
		}
		if out.ID == "" {
			out.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		out.Version = 1
		out.ETag = etagFor(out.ID, 1)
		out.CreatedAt = now
		out.UpdatedAt = now
		return putJSON(bkt, out.ID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) getDocTx(tx *bolt.Tx, id string, includeDeleted bool) (*model.Document, error) {
	bkt := tx.Bucket(bucketDocuments)
	raw := bkt.Get([]byte(id))
	if raw == nil {
		return nil, cerrors.NewNotFound("document", id)
	}
	var d model.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	if d.DeletedAt != nil && !includeDeleted {
		return nil, cerrors.NewNotFound("document", id)
	}
	return &d, nil
}

func (b *BoltStore) GetDocument(ctx context.Context, id string, includeDeleted bool) (*model.Document, error) {
	var doc *model.Document
	err := b.db.View(func(tx *bolt.Tx) error {
		d, err := b.getDocTx(tx, id, includeDeleted)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *BoltStore) ListDocumentsByOwner(ctx context.Context, owner string, cursor string, filter DocumentFilter) (Page[*model.Document], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var all []*model.Document
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		return bkt.ForEach(func(k, v []byte) error {
			var d model.Document
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.OwnerID != owner {
				return nil
			}
			if d.DeletedAt != nil && !filter.IncludeDeleted {
				return nil
			}
			if filter.Status != "" && d.Status != filter.Status {
				return nil
			}
			cp := d
			all = append(all, &cp)
			return nil
		})
	})
	if err != nil {
		return Page[*model.Document]{}, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, d := range all {
			if d.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	var page Page[*model.Document]
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start < len(all) {
		page.Items = all[start:end]
	}
	if end < len(all) {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (b *BoltStore) UpdateDocument(ctx context.Context, id string, patch DocumentPatch, ifMatchETag string) (*model.Document, error) {
	var out *model.Document
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		d, err := b.getDocTx(tx, id, true)
		if err != nil {
			return err
		}
		if ifMatchETag != "" && d.ETag != ifMatchETag {
			return cerrors.NewPreconditionFailed(id, ifMatchETag, d.ETag)
		}
		if patch.FileName != nil {
			d.FileName = *patch.FileName
		}
		if patch.Tags != nil {
			d.Tags = patch.Tags
		}
		if patch.Metadata != nil {
			d.Metadata = patch.Metadata
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
		d.ETag = etagFor(id, d.Version)
		d.UpdatedAt = time.Now().UTC()
		if err := putJSON(bkt, id, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) SoftDelete(ctx context.Context, id string, ifMatchETag string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		d, err := b.getDocTx(tx, id, true)
		if err != nil {
			return err
		}
		if d.DeletedAt != nil {
			return nil
		}
		if ifMatchETag != "" && d.ETag != ifMatchETag {
			return cerrors.NewPreconditionFailed(id, ifMatchETag, d.ETag)
		}
		now := time.Now().UTC()
		d.DeletedAt = &now
		d.Status = model.DocumentDeleted
		d.Version++
		d.ETag = etagFor(id, d.Version)
		d.UpdatedAt = now
		return putJSON(bkt, id, d)
	})
}

func (b *BoltStore) HardDelete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		docBkt := tx.Bucket(bucketDocuments)
		if docBkt.Get([]byte(id)) == nil {
			return cerrors.NewNotFound("document", id)
		}
		if err := docBkt.Delete([]byte(id)); err != nil {
			return err
		}
		jobBkt := tx.Bucket(bucketJobs)
		var toDelete [][]byte
		_ = jobBkt.ForEach(func(k, v []byte) error {
			var j model.OcrJob
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if j.DocumentID == id {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := jobBkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) IncrementAccessCounters(ctx context.Context, id string, delta int64, accessedAt time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		d, err := b.getDocTx(tx, id, true)
		if err != nil {
			return err
		}
		d.DownloadCount += delta
		at := accessedAt
		d.LastAccessed = &at
		return putJSON(bkt, id, d)
	})
}

func (b *BoltStore) SumOwnerFileSize(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		return bkt.ForEach(func(k, v []byte) error {
			var d model.Document
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.OwnerID == ownerID && d.DeletedAt == nil {
				total += d.FileSize
			}
			return nil
		})
	})
	return total, err
}

func (b *BoltStore) FilterOrphanedStorageKeys(ctx context.Context, candidateKeys []string) ([]string, error) {
	live := make(map[string]bool)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDocuments)
		return bkt.ForEach(func(k, v []byte) error {
			var d model.Document
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			live[d.StorageKey] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, key := range candidateKeys {
		if !live[key] {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}

func (b *BoltStore) EnqueueJob(ctx context.Context, job *model.OcrJob) (*model.OcrJob, error) {
	out := cloneJob(job)
	err := b.db.Update(func(tx *bolt.Tx) error {
		docBkt := tx.Bucket(bucketDocuments)
		raw := docBkt.Get([]byte(out.DocumentID))
		if raw == nil {
			return cerrors.NewValidation(fmt.Sprintf("document not linkable: %s", out.DocumentID), nil)
		}
		var d model.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		if d.DeletedAt != nil {
			return cerrors.NewValidation(fmt.Sprintf("document not linkable: %s", out.DocumentID), nil)
		}

		jobBkt := tx.Bucket(bucketJobs)
		if out.ID == "" {
			out.ID = uuid.New().String()
		}
		if out.MaxRetries == 0 {
			out.MaxRetries = 3
		}
		out.Status = model.JobPending
		now := time.Now().UTC()
		out.CreatedAt = now
		out.UpdatedAt = now
		return putJSON(jobBkt, out.ID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) getJobTx(tx *bolt.Tx, id string) (*model.OcrJob, error) {
	bkt := tx.Bucket(bucketJobs)
	raw := bkt.Get([]byte(id))
	if raw == nil {
		return nil, cerrors.NewNotFound("ocr_job", id)
	}
	var j model.OcrJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (b *BoltStore) LeaseOneJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.OcrJob, error) {
	var leased *model.OcrJob
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketJobs)
		var candidates []*model.OcrJob
		now := time.Now().UTC()
		_ = bkt.ForEach(func(k, v []byte) error {
			var j model.OcrJob
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if j.Status != model.JobPending || j.RetryCount > j.MaxRetries {
				return nil
			}
			if nb := j.NotBefore(); !nb.IsZero() && nb.After(now) {
				return nil
			}
			cp := j
			candidates = append(candidates, &cp)
			return nil
		})
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, c := candidates[i], candidates[j]
			if a.Priority != c.Priority {
				return a.Priority < c.Priority
			}
			if !a.CreatedAt.Equal(c.CreatedAt) {
				return a.CreatedAt.Before(c.CreatedAt)
			}
			return a.ID < c.ID
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
		if err := putJSON(bkt, chosen.ID, chosen); err != nil {
			return err
		}
		leased = chosen
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (b *BoltStore) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketJobs)
		j, err := b.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
			return cerrors.NewLeaseLost(jobID, workerID)
		}
		expires := time.Now().UTC().Add(leaseDuration)
		j.LeaseExpiresAt = &expires
		return putJSON(bkt, jobID, j)
	})
}

func (b *BoltStore) CompleteJob(ctx context.Context, jobID, workerID string, completion OCRCompletion, jobResult model.OcrJob) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		jobBkt := tx.Bucket(bucketJobs)
		j, err := b.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
			return cerrors.NewLeaseLost(jobID, workerID)
		}
		now := time.Now().UTC()
		j.Status = model.JobCompleted
		j.Result = jobResult.Result
		j.ExtractedText = jobResult.ExtractedText
		j.ConfidenceScore = jobResult.ConfidenceScore
		j.PageCount = jobResult.PageCount
		j.WordCount = jobResult.WordCount
		j.CharacterCount = jobResult.CharacterCount
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.ProcessingCompletedAt = &now
		j.UpdatedAt = now
		if err := putJSON(jobBkt, jobID, j); err != nil {
			return err
		}

		docBkt := tx.Bucket(bucketDocuments)
		d, err := b.getDocTx(tx, j.DocumentID, true)
		if err != nil {
			return err
		}
		d.OCRCompleted = true
		d.OCRJobID = jobID
		d.OCRText = completion.OCRText
		d.OCRConfidence = completion.OCRConfidence
		d.OCRLanguage = completion.OCRLanguage
		d.OCRPageCount = completion.OCRPageCount
		d.OCRWordCount = completion.OCRWordCount
		if d.Status != model.DocumentDeleted {
			d.Status = model.DocumentCompleted
		}
		d.Version++
		d.ETag = etagFor(d.ID, d.Version)
		d.UpdatedAt = now
		return putJSON(docBkt, d.ID, d)
	})
}

func (b *BoltStore) FailJob(ctx context.Context, jobID, workerID, errCode, errMessage string, retryable bool, backoff time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		jobBkt := tx.Bucket(bucketJobs)
		j, err := b.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != model.JobProcessing || j.LeaseOwner != workerID {
			return cerrors.NewLeaseLost(jobID, workerID)
		}
		now := time.Now().UTC()
		j.ErrorCode = errCode
		j.ErrorMessage = errMessage
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now

		if retryable && j.RetryCount < j.MaxRetries {
			j.RetryCount++
			j.Status = model.JobPending
			j.SetNotBefore(now.Add(backoff))
			return putJSON(jobBkt, jobID, j)
		}

		j.Status = model.JobFailed
		if err := putJSON(jobBkt, jobID, j); err != nil {
			return err
		}

		docBkt := tx.Bucket(bucketDocuments)
		d, err := b.getDocTx(tx, j.DocumentID, true)
		if err != nil {
			return nil // document may already be gone; job terminal state still stands
		}
		if !d.OCRCompleted {
			d.Status = model.DocumentFailed
			d.Version++
			d.ETag = etagFor(d.ID, d.Version)
			d.UpdatedAt = now
			return putJSON(docBkt, d.ID, d)
		}
		return nil
	})
}

func (b *BoltStore) CancelJob(ctx context.Context, jobID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketJobs)
		j, err := b.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if j.Status == model.JobCompleted || j.Status == model.JobFailed || j.Status == model.JobCancelled {
			return nil
		}
		j.Status = model.JobCancelled
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = time.Now().UTC()
		return putJSON(bkt, jobID, j)
	})
}

func (b *BoltStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		jobBkt := tx.Bucket(bucketJobs)
		docBkt := tx.Bucket(bucketDocuments)
		var expired []*model.OcrJob
		_ = jobBkt.ForEach(func(k, v []byte) error {
			var j model.OcrJob
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if j.Status == model.JobProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
				cp := j
				expired = append(expired, &cp)
			}
			return nil
		})
		for _, j := range expired {
			j.RetryCount++
			j.LeaseOwner = ""
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
			if j.RetryCount > j.MaxRetries {
				j.Status = model.JobFailed
				if err := putJSON(jobBkt, j.ID, j); err != nil {
					return err
				}
				raw := docBkt.Get([]byte(j.DocumentID))
				if raw != nil {
					var d model.Document
					if err := json.Unmarshal(raw, &d); err == nil && !d.OCRCompleted {
						d.Status = model.DocumentFailed
						d.Version++
						d.ETag = etagFor(d.ID, d.Version)
						d.UpdatedAt = now
						if err := putJSON(docBkt, d.ID, &d); err != nil {
							return err
						}
					}
				}
			} else {
				j.Status = model.JobPending
				if err := putJSON(jobBkt, j.ID, j); err != nil {
					return err
				}
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *BoltStore) GetJob(ctx context.Context, jobID string) (*model.OcrJob, error) {
	var out *model.OcrJob
	err := b.db.View(func(tx *bolt.Tx) error {
		j, err := b.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) ListJobs(ctx context.Context, filter JobFilter) (Page[*model.OcrJob], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var all []*model.OcrJob
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketJobs)
		return bkt.ForEach(func(k, v []byte) error {
			var j model.OcrJob
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			if filter.Status != "" && j.Status != filter.Status {
				return nil
			}
			if filter.DocumentID != "" && j.DocumentID != filter.DocumentID {
				return nil
			}
			cp := j
			all = append(all, &cp)
			return nil
		})
	})
	if err != nil {
		return Page[*model.OcrJob]{}, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if filter.Cursor != "" {
		for i, j := range all {
			if j.ID == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	var page Page[*model.OcrJob]
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start < len(all) {
		page.Items = all[start:end]
	}
	if end < len(all) {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (b *BoltStore) AppendAccessLog(ctx context.Context, entry *model.AccessLog) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAccessLog)
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if entry.AccessedAt.IsZero() {
			entry.AccessedAt = time.Now().UTC()
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(bkt, fmt.Sprintf("%020d_%s", seq, entry.ID), entry)
	})
}
