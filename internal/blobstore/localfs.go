// Package blobstore implements the BlobStore capability (spec §4.1)
// against two backends: a local filesystem store for dev/test, and S3
// for production. Both are content-addressed — callers supply the key,
// already derived from the content hash by internal/storage.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/docuflow/internal/capability"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

// LocalFS is a filesystem-backed BlobStore, grounded on the local-dev
// storage mode every capability-interface example repo in the pack
// (e.g. torua's pluggable store doc) carries alongside its networked
// backend. Presign here is a fiction: there is no separate URL-serving
// layer, so Presign returns a file:// reference with the same
// expires_at bookkeeping a real presigned URL would carry, consumed
// only by local tooling.
type LocalFS struct {
	root string
}

// NewLocalFS roots all keys under root, creating it if necessary.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalFS{root: root}, nil
}

var _ capability.BlobStore = (*LocalFS)(nil)

func (l *LocalFS) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", cerrors.NewValidation(fmt.Sprintf("invalid storage key: %s", key), nil)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", cerrors.NewValidation(fmt.Sprintf("invalid storage key: %s", key), nil)
		}
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalFS) Put(ctx context.Context, key string, data []byte) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", cerrors.NewUpstream("create blob directory", true, err)
	}
	tmp := p + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", cerrors.NewUpstream("write blob", true, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", cerrors.NewUpstream("commit blob", true, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (l *LocalFS) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, cerrors.NewNotFound("blob", key)
	}
	if err != nil {
		return nil, cerrors.NewUpstream("read blob", true, err)
	}
	return data, nil
}

// Presign returns a file:// URL for local tooling; ttl is honored only
// as bookkeeping (ExpiresAt), since the filesystem enforces no expiry.
func (l *LocalFS) Presign(ctx context.Context, key string, op capability.BlobOp, ttl time.Duration) (capability.PresignedURL, error) {
	p, err := l.path(key)
	if err != nil {
		return capability.PresignedURL{}, err
	}
	if op == capability.BlobGet {
		if _, statErr := os.Stat(p); os.IsNotExist(statErr) {
			return capability.PresignedURL{}, cerrors.NewNotFound("blob", key)
		}
	}
	return capability.PresignedURL{
		URL:       "file://" + p,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (l *LocalFS) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return cerrors.NewUpstream("delete blob", true, err)
	}
	return nil
}

func (l *LocalFS) Head(ctx context.Context, key string) (capability.BlobMeta, error) {
	p, err := l.path(key)
	if err != nil {
		return capability.BlobMeta{}, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return capability.BlobMeta{}, cerrors.NewNotFound("blob", key)
	}
	if err != nil {
		return capability.BlobMeta{}, cerrors.NewUpstream("stat blob", true, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return capability.BlobMeta{}, cerrors.NewUpstream("read blob for etag", true, err)
	}
	sum := sha256.Sum256(data)
	return capability.BlobMeta{Size: fi.Size(), ETag: hex.EncodeToString(sum[:])}, nil
}

func (l *LocalFS) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := l.path(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	walkRoot := base
	if _, statErr := os.Stat(walkRoot); os.IsNotExist(statErr) {
		walkRoot = filepath.Dir(base)
	}
	err = filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") || strings.Contains(filepath.Base(path), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.NewUpstream("list blobs", true, err)
	}
	return keys, nil
}
