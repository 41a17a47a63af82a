// Package document implements the DocumentService capability (spec
// §4.5): orchestrates upload → validate → store → persist, enforces
// per-owner quotas, performs soft/hard delete, updates with ETag
// preconditions, and issues download URLs. Grounded on the teacher's
// worker pipeline ordering (validate, then persist, then optionally
// enqueue OCR) and on other_examples' documentService pattern of
// composing narrow capability interfaces rather than one god object.
package document

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/docuflow/internal/accesslog"
	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/clock"
	"github.com/adverant/docuflow/internal/config"
	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/logging"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/model"
	"github.com/adverant/docuflow/internal/storage"
	"github.com/adverant/docuflow/internal/validation"
)

// UploadOptions carries the optional knobs upload() accepts (spec §4.5
// step 5: auto_ocr, priority).
type UploadOptions struct {
	AutoOCR  bool
	Priority int
	Language string
	ClientID string
	InsurerID string
}

// DeleteMode selects soft vs hard delete (spec §4.5).
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// DownloadResult is returned by Download.
type DownloadResult struct {
	URL       string
	ExpiresAt time.Time
}

// Service is the DocumentService capability.
type Service struct {
	store      metastore.Store
	validator  *validation.Service
	storageSvc *storage.Service
	jobEnqueue JobEnqueuer
	accessLog  *accesslog.Logger
	clk        clock.Clock
	ids        clock.IdGen
	log        *logging.Logger

	ownerQuotaBytes int64
}

// JobEnqueuer is the narrow slice of OcrQueue's admin surface
// DocumentService needs (spec §4.5 step 5); keeping it as its own
// interface here avoids an import cycle with ocrqueue, which itself
// depends on metastore and capability but not on document.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, documentID string, priority int, language string, options map[string]any) (*model.OcrJob, error)
}

func New(store metastore.Store, validator *validation.Service, storageSvc *storage.Service, jobEnqueue JobEnqueuer, accessLog *accesslog.Logger, clk clock.Clock, ids clock.IdGen, cfg *config.Config) *Service {
	return &Service{
		store:           store,
		validator:       validator,
		storageSvc:      storageSvc,
		jobEnqueue:      jobEnqueue,
		accessLog:       accessLog,
		clk:             clk,
		ids:             ids,
		log:             logging.NewLogger("document"),
		ownerQuotaBytes: cfg.OwnerQuotaBytes,
	}
}

// Upload implements spec §4.5 upload(owner, filename, bytes, opts).
func (s *Service) Upload(ctx context.Context, ownerID, filename string, data []byte, declaredMime string, opts UploadOptions) (*model.Document, error) {
	result, err := s.validator.Validate(filename, data, declaredMime)
	if err != nil {
		s.logAccess(ctx, "", ownerID, model.AccessUpload, false, err)
		return nil, err
	}

	used, err := s.store.SumOwnerFileSize(ctx, ownerID)
	if err != nil {
		return nil, cerrors.NewUpstream("check owner quota", true, err)
	}
	if used+int64(len(data)) > s.ownerQuotaBytes {
		err := cerrors.NewQuotaExceeded(ownerID, used, s.ownerQuotaBytes)
		s.logAccess(ctx, "", ownerID, model.AccessUpload, false, err)
		return nil, err
	}

	ext := strings.TrimPrefix(filepath.Ext(result.SanitizedFileName), ".")
	if ext == "" {
		ext = result.FileType
	}
	stored, err := s.storageSvc.Store(ctx, ownerID, result.SanitizedFileName, data, result.DetectedMimeType, ext)
	if err != nil {
		s.logAccess(ctx, "", ownerID, model.AccessUpload, false, err)
		return nil, err
	}

	doc := &model.Document{
		FileName:           result.SanitizedFileName,
		OriginalFilename:   filename,
		FileSize:           stored.Size,
		MimeType:           stored.MimeType,
		FileType:           result.FileType,
		FileHash:           stored.Hash,
		StorageKey:         stored.Key,
		StorageBucket:      stored.Bucket,
		OwnerID:            ownerID,
		ClientID:           opts.ClientID,
		InsurerID:          opts.InsurerID,
		Status:             model.DocumentUploaded,
		SecurityScanStatus: model.ScanPending,
		VirusScanStatus:    model.ScanPending,
		ContentValidated:   true,
	}
	inserted, err := s.store.InsertDocument(ctx, doc)
	if err != nil {
		s.logAccess(ctx, "", ownerID, model.AccessUpload, false, err)
		return nil, err
	}

	if opts.AutoOCR {
		priority := opts.Priority
		if priority == 0 {
			priority = 5
		}
		lang := opts.Language
		if lang == "" {
			lang = "auto"
		}
		if _, err := s.jobEnqueue.Enqueue(ctx, inserted.ID, priority, lang, nil); err != nil {
			s.log.Warn("auto_ocr enqueue failed", "document_id", inserted.ID, "error", err.Error())
		}
	}

	s.logAccess(ctx, inserted.ID, ownerID, model.AccessUpload, true, nil)
	return inserted, nil
}

// Get implements spec §4.5 get(id, principal): read-through with
// authorization check, emits a view log on success.
func (s *Service) Get(ctx context.Context, id string, principal capability.Principal) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, id, false)
	if err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessView, false, err)
		return nil, err
	}
	if err := authorize(doc, principal); err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessView, false, err)
		return nil, err
	}
	s.logAccess(ctx, id, principal.UserID, model.AccessView, true, nil)
	return doc, nil
}

// List implements spec §6.2 list (delegates to MetaStore's paginated query).
func (s *Service) List(ctx context.Context, ownerID, cursor string, filter metastore.DocumentFilter) (metastore.Page[*model.Document], error) {
	return s.store.ListDocumentsByOwner(ctx, ownerID, cursor, filter)
}

// Download implements spec §4.5 download(id, principal).
func (s *Service) Download(ctx context.Context, id string, principal capability.Principal) (DownloadResult, error) {
	doc, err := s.store.GetDocument(ctx, id, false)
	if err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDownload, false, err)
		return DownloadResult{}, err
	}
	if err := authorize(doc, principal); err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDownload, false, err)
		return DownloadResult{}, err
	}

	url, err := s.storageSvc.Presign(ctx, doc.StorageKey, capability.BlobGet, time.Hour)
	if err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDownload, false, err)
		return DownloadResult{}, err
	}

	if err := s.store.IncrementAccessCounters(ctx, id, 1, s.clk.Now()); err != nil {
		s.log.Warn("increment access counters failed", "document_id", id, "error", err.Error())
	}
	s.logAccess(ctx, id, principal.UserID, model.AccessDownload, true, nil)
	return DownloadResult{URL: url.URL, ExpiresAt: url.ExpiresAt}, nil
}

// Update implements spec §4.5 update(id, patch, if_match_etag, principal).
func (s *Service) Update(ctx context.Context, id string, patch metastore.DocumentPatch, ifMatchETag string, principal capability.Principal) (*model.Document, error) {
	current, err := s.store.GetDocument(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := authorize(current, principal); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateDocument(ctx, id, patch, ifMatchETag)
	if err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessUpdate, false, err)
		return nil, err
	}
	s.logAccess(ctx, id, principal.UserID, model.AccessUpdate, true, nil)
	return updated, nil
}

// Delete implements spec §4.5 delete(id, mode, principal).
func (s *Service) Delete(ctx context.Context, id string, mode DeleteMode, ifMatchETag string, principal capability.Principal) error {
	doc, err := s.store.GetDocument(ctx, id, false)
	if err != nil {
		return err
	}
	if err := authorize(doc, principal); err != nil {
		return err
	}

	if mode == DeleteSoft {
		if err := s.store.SoftDelete(ctx, id, ifMatchETag); err != nil {
			s.logAccess(ctx, id, principal.UserID, model.AccessDelete, false, err)
			return err
		}
		s.logAccess(ctx, id, principal.UserID, model.AccessDelete, true, nil)
		return nil
	}

	// Hard delete: cancel open jobs, then remove the blob, then remove
	// the row. Partial failure is tolerated per spec §4.5 — the document
	// row remains in place if any step fails, so the orphan sweeper does
	// not collect its blob; the delete itself can be called again.
	jobs, err := s.store.ListJobs(ctx, metastore.JobFilter{DocumentID: id})
	if err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDelete, false, err)
		return err
	}
	for _, j := range jobs.Items {
		if j.Status == model.JobPending || j.Status == model.JobProcessing {
			if err := s.store.CancelJob(ctx, j.ID); err != nil {
				s.logAccess(ctx, id, principal.UserID, model.AccessDelete, false, err)
				return err
			}
		}
	}

	if err := s.storageSvc.Delete(ctx, doc.StorageKey); err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDelete, false, err)
		return err
	}

	if err := s.store.HardDelete(ctx, id); err != nil {
		s.logAccess(ctx, id, principal.UserID, model.AccessDelete, false, err)
		return err
	}
	s.logAccess(ctx, id, principal.UserID, model.AccessDelete, true, nil)
	return nil
}

func authorize(doc *model.Document, principal capability.Principal) error {
	if principal.UserID == doc.OwnerID || principal.Role == "admin" {
		return nil
	}
	return cerrors.NewForbidden("principal does not own this document")
}

func (s *Service) logAccess(ctx context.Context, docID, userID string, accessType model.AccessType, success bool, opErr error) {
	entry := &model.AccessLog{
		DocumentID: docID,
		UserID:     userID,
		AccessType: accessType,
		Success:    success,
		AccessedAt: s.clk.Now(),
	}
	if opErr != nil {
		entry.ErrorCode = string(cerrors.CodeOf(opErr))
		entry.ErrorMessage = opErr.Error()
	}
	s.accessLog.Append(ctx, entry)
}
