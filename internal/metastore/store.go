// Package metastore implements the MetaStore capability (spec §4.2): a
// transactional key/value and relational layer over Document, OcrJob and
// AccessLog, exposing typed CRUD plus the small number of atomic
// multi-row operations the scheduler's correctness depends on. No
// implementation exposes raw query strings to callers.
package metastore

import (
	"context"
	"time"

	"github.com/adverant/docuflow/internal/model"
)

// DocumentPatch is the allow-listed field set updateDocument accepts
// (spec §6.4): file_name, document_type (folded into Metadata), tags,
// metadata, status, security_scan_status, virus_scan_status. A Status is
// applied as given; no status value or transition is rejected. Pointer
// fields distinguish "not set" from zero value.
type DocumentPatch struct {
	FileName           *string
	Tags               []string
	Metadata           map[string]any
	Status             *model.DocumentStatus
	SecurityScanStatus *model.ScanStatus
	VirusScanStatus    *model.ScanStatus
}

// OCRCompletion is the document-side half of completeJob's atomic write:
// the OCR fields set on Document in the same transaction as the OcrJob
// transition to completed.
type OCRCompletion struct {
	OCRJobID      string
	OCRText       string
	OCRConfidence float64
	OCRLanguage   string
	OCRPageCount  int
	OCRWordCount  int
}

// DocumentFilter narrows ListDocumentsByOwner.
type DocumentFilter struct {
	Status        model.DocumentStatus // "" = any
	IncludeDeleted bool
	Limit         int
}

// Page is an opaque-cursor page of results.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// JobFilter narrows ListJobs (spec §6.2 listJobs(filter)).
type JobFilter struct {
	Status     model.OcrJobStatus // "" = any
	DocumentID string             // "" = any
	Limit      int
	Cursor     string
}

// Store is the MetaStore capability surface. Document and OcrJob
// operations are single-transaction per call; completeJob/failJob/
// expireLeases additionally touch both OcrJob and Document atomically
// where the spec requires it.
type Store interface {
	// Document operations
	InsertDocument(ctx context.Context, doc *model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, id string, includeDeleted bool) (*model.Document, error)
	ListDocumentsByOwner(ctx context.Context, owner string, cursor string, filter DocumentFilter) (Page[*model.Document], error)
	UpdateDocument(ctx context.Context, id string, patch DocumentPatch, ifMatchETag string) (*model.Document, error)
	SoftDelete(ctx context.Context, id string, ifMatchETag string) error
	HardDelete(ctx context.Context, id string) error
	IncrementAccessCounters(ctx context.Context, id string, deltaDownloads int64, accessedAt time.Time) error
	SumOwnerFileSize(ctx context.Context, ownerID string) (int64, error)
	// FilterOrphanedStorageKeys returns the subset of candidateKeys that
	// no Document row currently references (soft-deleted rows count as
	// references), for the blob-GC sweeper (spec §4.1).
	FilterOrphanedStorageKeys(ctx context.Context, candidateKeys []string) ([]string, error)

	// OcrJob operations
	EnqueueJob(ctx context.Context, job *model.OcrJob) (*model.OcrJob, error)
	LeaseOneJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.OcrJob, error)
	RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error
	CompleteJob(ctx context.Context, jobID, workerID string, completion OCRCompletion, jobResult model.OcrJob) error
	FailJob(ctx context.Context, jobID, workerID, errCode, errMessage string, retryable bool, backoff time.Duration) error
	CancelJob(ctx context.Context, jobID string) error
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
	GetJob(ctx context.Context, jobID string) (*model.OcrJob, error)
	ListJobs(ctx context.Context, filter JobFilter) (Page[*model.OcrJob], error)

	// AccessLog
	AppendAccessLog(ctx context.Context, entry *model.AccessLog) error

	Close() error
}
