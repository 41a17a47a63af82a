// Package ocrqueue implements OcrQueue (spec §4.3), the hard core: a
// priority scheduler dispatching OcrJob rows to a bounded worker pool,
// respecting priority/FIFO ordering, per-job leases, retry budgets with
// exponential backoff, and cooperative cancellation. All correctness is
// derived from MetaStore's atomic leaseOneJob/renewLease/completeJob/
// failJob/expireLeases operations; everything in this package (worker
// pool, dispatcher, wake notifiers) is advisory, matching the teacher's
// worker-pool-over-durable-queue shape in
// services/nexus-fileprocess/worker/internal/queue.
package ocrqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/clock"
	"github.com/adverant/docuflow/internal/config"
	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/logging"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/metrics"
	"github.com/adverant/docuflow/internal/model"
	"github.com/adverant/docuflow/internal/ocrservice"
)

// Queue is the OcrQueue capability: dispatcher + worker pool + sweeper,
// plus the admin surface (enqueue/cancel/getJob/listJobs) spec §6.2 names.
type Queue struct {
	store metastore.Store
	blobs capability.BlobStore
	ocr   *ocrservice.Service
	clk   clock.Clock
	ids   clock.IdGen
	log   *logging.Logger

	notifier Notifier

	workerCount       int
	leaseTTL          time.Duration
	leaseGrace        time.Duration
	emptyPollInterval time.Duration
	sweeperInterval   time.Duration
	maxRetries        int
	backoffBase       time.Duration
	backoffMax        time.Duration

	wg sync.WaitGroup
}

// New builds a Queue. notifier may be nil, in which case a same-process
// local wake channel is used (spec §5's "SHOULD" is best-effort only).
func New(store metastore.Store, blobs capability.BlobStore, ocr *ocrservice.Service, clk clock.Clock, ids clock.IdGen, cfg *config.Config, notifier Notifier) *Queue {
	if notifier == nil {
		notifier = newLocalNotifier()
	}
	return &Queue{
		store:             store,
		blobs:             blobs,
		ocr:               ocr,
		clk:               clk,
		ids:               ids,
		log:               logging.NewLogger("ocrqueue"),
		notifier:          notifier,
		workerCount:       cfg.WorkerCount,
		leaseTTL:          cfg.LeaseTTL,
		leaseGrace:        cfg.LeaseGrace,
		emptyPollInterval: cfg.EmptyPollInterval,
		sweeperInterval:   cfg.SweeperInterval,
		maxRetries:        cfg.MaxRetries,
		backoffBase:       cfg.BackoffBase,
		backoffMax:        cfg.BackoffMax,
	}
}

// Run starts the worker pool and the lease-expiry sweeper, blocking until
// ctx is cancelled. On cancellation, in-flight workers stop heartbeating
// and abandon work without calling completeJob (spec §4.3: "workers
// receive cancellation, stop heartbeating, and do not call completeJob;
// leases expire and jobs are re-leasable after lease_ttl").
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(q.workerCount + 1)
	for i := 0; i < q.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, q.ids.NewID()[:8])
		go func(id string) {
			defer q.wg.Done()
			q.dispatchLoop(ctx, id)
		}(workerID)
	}
	go func() {
		defer q.wg.Done()
		q.sweepLoop(ctx)
	}()
	<-ctx.Done()
	q.wg.Wait()
}

// Enqueue implements spec §4.5/§6.2 enqueue(document_id, priority,
// options) and satisfies document.JobEnqueuer.
func (q *Queue) Enqueue(ctx context.Context, documentID string, priority int, language string, options map[string]any) (*model.OcrJob, error) {
	if priority < 1 || priority > 10 {
		return nil, cerrors.NewValidation(fmt.Sprintf("priority must be 1-10, got %d", priority), nil)
	}
	job := &model.OcrJob{
		DocumentID: documentID,
		Priority:   priority,
		Language:   language,
		Engine:     "tesseract",
		Options:    options,
		MaxRetries: q.maxRetries,
	}
	inserted, err := q.store.EnqueueJob(ctx, job)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues(string(model.JobPending)).Inc()
	q.notifier.Notify(ctx)
	return inserted, nil
}

// Cancel implements spec §6.2 cancel(job_id).
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.store.CancelJob(ctx, jobID)
}

// GetJob implements spec §6.2 getJob(job_id).
func (q *Queue) GetJob(ctx context.Context, jobID string) (*model.OcrJob, error) {
	return q.store.GetJob(ctx, jobID)
}

// ListJobs implements spec §6.2 listJobs(filter).
func (q *Queue) ListJobs(ctx context.Context, filter metastore.JobFilter) (metastore.Page[*model.OcrJob], error) {
	return q.store.ListJobs(ctx, filter)
}

// Close releases the notifier's underlying connections (Redis/Asynq
// clients), if any.
func (q *Queue) Close() error {
	return q.notifier.Close()
}
