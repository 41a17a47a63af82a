// Package storage implements the StorageService capability (spec
// §4.1): content-addressed deduplicated uploads through BlobStore,
// presigned URL issuance with TTL clamping, and unconditional delete.
// Grounded on the teacher's storage_manager.go orchestration pattern
// (validate → hash → upload → descriptor), adapted to the
// capability.BlobStore interface instead of a direct Postgres+S3 pair.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/clock"
	"github.com/adverant/docuflow/internal/config"
	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/logging"
)

// StoredFile is the descriptor StorageService.Store returns (spec §4.1).
type StoredFile struct {
	Bucket   string
	Key      string
	Hash     string
	Size     int64
	MimeType string
}

// Service is the StorageService capability.
type Service struct {
	blobs  capability.BlobStore
	clk    clock.Clock
	bucket string
	log    *logging.Logger

	presignTTLMax time.Duration
}

func New(blobs capability.BlobStore, clk clock.Clock, cfg *config.Config, bucket string) *Service {
	return &Service{
		blobs:         blobs,
		clk:           clk,
		bucket:        bucket,
		log:           logging.NewLogger("storage"),
		presignTTLMax: cfg.PresignTTLMax,
	}
}

// Store computes the content hash, derives the content-addressed key,
// and uploads to BlobStore unless an object with the same key and size
// already exists (dedup per spec §4.1/§8 invariant 6).
func (s *Service) Store(ctx context.Context, ownerID, filename string, data []byte, mimeType, fileExt string) (StoredFile, error) {
	hash := clock.HashBytes(data)
	year := s.clk.Now().Format("2006")
	key := fmt.Sprintf("documents/%s/%s/%s.%s", ownerID, year, hash, fileExt)

	if meta, err := s.blobs.Head(ctx, key); err == nil {
		if meta.Size == int64(len(data)) {
			s.log.Info("storage dedup hit", "storage_key", key, "owner_id", ownerID)
			return StoredFile{Bucket: s.bucket, Key: key, Hash: hash, Size: meta.Size, MimeType: mimeType}, nil
		}
	} else if cerrors.CodeOf(err) != cerrors.NotFound {
		return StoredFile{}, cerrors.NewUpstream("check existing blob", true, err)
	}

	if _, err := s.blobs.Put(ctx, key, data); err != nil {
		if ce, ok := cerrors.As(err); ok {
			return StoredFile{}, ce
		}
		return StoredFile{}, cerrors.NewUpstream("upload blob", true, err)
	}

	return StoredFile{Bucket: s.bucket, Key: key, Hash: hash, Size: int64(len(data)), MimeType: mimeType}, nil
}

// Presign clamps ttl to presignTTLMax and delegates to BlobStore.
func (s *Service) Presign(ctx context.Context, key string, op capability.BlobOp, ttl time.Duration) (capability.PresignedURL, error) {
	if ttl <= 0 || ttl > s.presignTTLMax {
		ttl = s.presignTTLMax
	}
	url, err := s.blobs.Presign(ctx, key, op, ttl)
	if err != nil {
		if ce, ok := cerrors.As(err); ok {
			return capability.PresignedURL{}, ce
		}
		return capability.PresignedURL{}, cerrors.NewUpstream("presign blob", true, err)
	}
	return url, nil
}

// Delete removes the blob unconditionally; idempotent (spec §4.1).
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.blobs.Delete(ctx, key); err != nil {
		if ce, ok := cerrors.As(err); ok {
			return ce
		}
		return cerrors.NewUpstream("delete blob", true, err)
	}
	return nil
}
