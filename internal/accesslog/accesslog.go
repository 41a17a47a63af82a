// Package accesslog implements AccessLogger & UsageCounters (spec §2
// item 10, §7): appends AccessLog rows without ever blocking the
// request path, retrying transient MetaStore failures from a bounded
// in-memory queue and counting drops on overflow. Grounded on the
// teacher's fire-and-forget event emission pattern (internal/queue
// publishes without waiting for downstream ack) generalized into a
// dedicated retry worker instead of a bare goroutine per call.
package accesslog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/docuflow/internal/logging"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/model"
)

// MaxQueueSize is the bounded retry queue size (spec §7: "≤1k entries").
const MaxQueueSize = 1000

// Logger appends AccessLog entries through MetaStore, retrying
// transient failures from a bounded queue.
type Logger struct {
	store metastore.Store
	log   *logging.Logger

	mu      sync.Mutex
	pending []*model.AccessLog

	dropped atomic.Int64
}

func New(store metastore.Store) *Logger {
	return &Logger{store: store, log: logging.NewLogger("accesslog")}
}

// Append writes entry through MetaStore; on failure, queues it for
// retry instead of propagating the error to the caller (spec §7:
// "AccessLog append failures are retried in a bounded in-memory
// queue... but never blocks the request path").
func (l *Logger) Append(ctx context.Context, entry *model.AccessLog) {
	if err := l.store.AppendAccessLog(ctx, entry); err == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) >= MaxQueueSize {
		l.dropped.Add(1)
		l.log.Warn("access log queue full, dropping entry", "document_id", entry.DocumentID)
		return
	}
	l.pending = append(l.pending, entry)
}

// DroppedCount reports how many entries were discarded after the
// retry queue overflowed.
func (l *Logger) DroppedCount() int64 {
	return l.dropped.Load()
}

// RetryPending flushes the queue once, in FIFO order, stopping at the
// first entry that still fails (preserves ordering for the next pass).
func (l *Logger) RetryPending(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	var failed []*model.AccessLog
	for i, entry := range batch {
		if err := l.store.AppendAccessLog(ctx, entry); err != nil {
			failed = append(failed, batch[i:]...)
			break
		}
	}
	if len(failed) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	combined := append(failed, l.pending...)
	if len(combined) > MaxQueueSize {
		overflow := len(combined) - MaxQueueSize
		l.dropped.Add(int64(overflow))
		combined = combined[overflow:]
	}
	l.pending = combined
}

// Run periodically retries the pending queue until ctx is cancelled.
func (l *Logger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RetryPending(ctx)
		}
	}
}
