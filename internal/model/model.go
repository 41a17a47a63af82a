// Package model defines the core entities shared by every component:
// Document, OcrJob, and AccessLog, per the data model contract.
package model

import "time"

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentDeleted    DocumentStatus = "deleted"
)

// ScanStatus is used for both security_scan_status and virus_scan_status.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanScanning ScanStatus = "scanning"
	ScanClean    ScanStatus = "clean"
	ScanThreat   ScanStatus = "threat"
	ScanError    ScanStatus = "error"
)

// Document is the canonical record for an uploaded file and its OCR state.
type Document struct {
	ID               string
	FileName         string
	OriginalFilename string
	FileSize         int64
	MimeType         string
	FileType         string
	FileHash         string
	StorageKey       string
	StorageBucket    string
	OwnerID          string
	ClientID         string
	InsurerID        string
	Status           DocumentStatus

	Version int64
	ETag    string

	SecurityScanStatus ScanStatus
	VirusScanStatus    ScanStatus
	ContentValidated   bool

	OCRCompleted   bool
	OCRJobID       string
	OCRText        string
	OCRConfidence  float64
	OCRLanguage    string
	OCRPageCount   int
	OCRWordCount   int

	DownloadCount int64
	LastAccessed  *time.Time

	Tags     []string
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// OcrJobStatus is the lifecycle state of an OcrJob (spec §4.3 state machine).
type OcrJobStatus string

const (
	JobPending    OcrJobStatus = "pending"
	JobProcessing OcrJobStatus = "processing"
	JobCompleted  OcrJobStatus = "completed"
	JobFailed     OcrJobStatus = "failed"
	JobCancelled  OcrJobStatus = "cancelled"
)

// NotBeforeKey is the well-known options key holding the backoff visibility
// timeout, per spec §4.3 ("Applied by writing options._not_before").
const NotBeforeKey = "_not_before"

// OcrJob is a unit of OCR work leased by exactly one worker at a time.
type OcrJob struct {
	ID         string
	DocumentID string
	Status     OcrJobStatus
	Priority   int
	Language   string
	Engine     string
	Options    map[string]any

	RetryCount int
	MaxRetries int

	Result          map[string]any
	ExtractedText   string
	ConfidenceScore float64
	PageCount       int
	WordCount       int
	CharacterCount  int

	ErrorMessage string
	ErrorCode    string

	LeaseOwner     string
	LeaseExpiresAt *time.Time

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NotBefore reads options._not_before, defaulting to the zero time.
func (j *OcrJob) NotBefore() time.Time {
	if j.Options == nil {
		return time.Time{}
	}
	raw, ok := j.Options[NotBeforeKey]
	if !ok {
		return time.Time{}
	}
	switch v := raw.(type) {
	case time.Time:
		return v
	case int64:
		return time.Unix(v, 0).UTC()
	case float64:
		return time.Unix(int64(v), 0).UTC()
	default:
		return time.Time{}
	}
}

// SetNotBefore writes options._not_before.
func (j *OcrJob) SetNotBefore(t time.Time) {
	if j.Options == nil {
		j.Options = map[string]any{}
	}
	j.Options[NotBeforeKey] = t.Unix()
}

// AccessType enumerates the AccessLog access_type values.
type AccessType string

const (
	AccessView     AccessType = "view"
	AccessDownload AccessType = "download"
	AccessUpload   AccessType = "upload"
	AccessUpdate   AccessType = "update"
	AccessDelete   AccessType = "delete"
	AccessShare    AccessType = "share"
	AccessCopy     AccessType = "copy"
)

// AccessLog is an append-only audit row.
type AccessLog struct {
	ID         string
	DocumentID string
	UserID     string

	AccessType AccessType
	Success    bool

	HTTPStatusCode int
	ErrorCode      string
	ErrorMessage   string

	ResponseTimeMs     int64
	FileSizeDownloaded int64

	IPAddress string
	UserAgent string
	RequestID string
	SessionID string

	AccessedAt time.Time
}
