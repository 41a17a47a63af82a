package storage

import (
	"context"
	"time"

	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/logging"
	"github.com/adverant/docuflow/internal/metastore"
)

// OrphanSweeper garbage-collects blobs left behind when a metadata
// write never happened after a successful BlobStore upload (spec
// §4.1: "the orphan blob is reachable by storage_key and MUST be
// GC-eligible by a sweeper keyed on storage_key NOT IN (SELECT
// storage_key FROM documents)"). Supplements the distilled spec, which
// names the invariant but not an implementation; grounded on the
// teacher's periodic-sweep pattern used by its lease expiry loop,
// adapted here to a different target (blobs rather than jobs).
type OrphanSweeper struct {
	store  metastore.Store
	blobs  capability.BlobStore
	prefix string
	log    *logging.Logger
}

func NewOrphanSweeper(store metastore.Store, blobs capability.BlobStore, prefix string) *OrphanSweeper {
	return &OrphanSweeper{store: store, blobs: blobs, prefix: prefix, log: logging.NewLogger("orphan_sweeper")}
}

// Run blocks, sweeping at interval until ctx is cancelled.
func (s *OrphanSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("orphan sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				s.log.Info("orphan sweep removed blobs", "count", n)
			}
		}
	}
}

// SweepOnce lists blob keys under prefix, asks MetaStore for the
// subset no Document row (soft-deleted or not) references, and deletes those — the
// storage_key NOT IN (SELECT storage_key FROM documents) predicate
// spec §4.1 names, evaluated against the blob store's own listing.
func (s *OrphanSweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	orphans, err := s.store.FilterOrphanedStorageKeys(ctx, keys)
	if err != nil {
		return 0, err
	}
	return s.deleteKeys(ctx, orphans)
}

func (s *OrphanSweeper) deleteKeys(ctx context.Context, keys []string) (int, error) {
	n := 0
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("failed to delete orphaned blob", "storage_key", key, "error", err.Error())
			continue
		}
		n++
	}
	return n, nil
}
