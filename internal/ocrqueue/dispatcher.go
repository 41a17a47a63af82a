package ocrqueue

import (
	"context"
	"time"

	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/metrics"
	"github.com/adverant/docuflow/internal/model"
)

// dispatchLoop implements spec §4.3's worker steps 1-6, repeating until
// ctx is cancelled.
func (q *Queue) dispatchLoop(ctx context.Context, workerID string) {
	log := q.log.With("worker_id", workerID)
	poll := time.NewTicker(q.emptyPollInterval)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.store.LeaseOneJob(ctx, workerID, q.leaseTTL)
		if err != nil {
			log.Warn("leaseOneJob failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
			}
			continue
		}
		if job == nil {
			// Queue empty: wait for a wake signal, the sweeper's next
			// tick, or the poll ticker, whichever comes first (spec §4.3
			// step 2 and spec §5).
			select {
			case <-ctx.Done():
				return
			case <-q.notifier.C():
			case <-poll.C:
			}
			continue
		}

		metrics.LeasesAcquiredTotal.Inc()
		metrics.WorkersBusy.Inc()
		q.runJob(ctx, workerID, job)
		metrics.WorkersBusy.Dec()
	}
}

// runJob drives one leased job through heartbeat + OcrService.process +
// completeJob/failJob (spec §4.3 steps 3-6).
func (q *Queue) runJob(ctx context.Context, workerID string, job *model.OcrJob) {
	log := q.log.With("worker_id", workerID).With("job_id", job.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	leaseLost := make(chan struct{}, 1)
	go q.heartbeat(heartbeatCtx, workerID, job.ID, leaseLost)
	defer stopHeartbeat()

	deadline := q.clk.Now().Add(q.leaseTTL - q.leaseGrace)
	processCtx, cancelProcess := context.WithDeadline(ctx, deadline)
	defer cancelProcess()

	doc, data, err := q.fetchInput(processCtx, job.DocumentID)
	if err != nil {
		q.handleFailure(ctx, workerID, job, err, log)
		return
	}

	result, procErr := q.ocr.Process(processCtx, doc.FileType, data, job.Options, deadline)

	select {
	case <-leaseLost:
		// Another worker holds the lease now; do not call completeJob or
		// failJob (spec §4.3: "do not call completeJob" on lost lease).
		log.Warn("lease lost during processing, abandoning")
		return
	default:
	}

	if procErr != nil {
		q.handleFailure(ctx, workerID, job, procErr, log)
		return
	}

	jobResult := model.OcrJob{
		Result:          result.Raw,
		ExtractedText:   result.Text,
		ConfidenceScore: result.Confidence,
		PageCount:       result.PageCount,
		WordCount:       result.WordCount,
		CharacterCount:  len(result.Text),
	}
	completion := metastore.OCRCompletion{
		OCRJobID:      job.ID,
		OCRText:       result.Text,
		OCRConfidence: result.Confidence,
		OCRLanguage:   result.Language,
		OCRPageCount:  result.PageCount,
		OCRWordCount:  result.WordCount,
	}
	if err := q.store.CompleteJob(ctx, job.ID, workerID, completion, jobResult); err != nil {
		if cerrors.CodeOf(err) == cerrors.LeaseLost {
			log.Warn("lease lost at completeJob, abandoning")
			return
		}
		log.Error("completeJob failed", "error", err.Error())
		return
	}
	metrics.JobsCompletedTotal.Inc()
	if job.ProcessingStartedAt != nil {
		metrics.JobLatency.Observe(q.clk.Now().Sub(*job.ProcessingStartedAt).Seconds())
	}
}

func (q *Queue) handleFailure(ctx context.Context, workerID string, job *model.OcrJob, procErr error, log interface {
	Error(msg string, kvs ...any)
	Warn(msg string, kvs ...any)
}) {
	retryable := cerrors.IsRetryable(procErr)
	code := string(cerrors.CodeOf(procErr))
	willRetry := retryable && job.RetryCount < job.MaxRetries

	var wait time.Duration
	if willRetry {
		wait = backoff(job.RetryCount+1, q.backoffBase, q.backoffMax)
		metrics.JobRetriesTotal.Inc()
	}

	if err := q.store.FailJob(ctx, job.ID, workerID, code, procErr.Error(), retryable, wait); err != nil {
		if cerrors.CodeOf(err) == cerrors.LeaseLost {
			log.Warn("lease lost at failJob, abandoning")
			return
		}
		log.Error("failJob failed", "error", err.Error())
		return
	}
	if !willRetry {
		metrics.JobsFailedTotal.Inc()
	}
}

// fetchInput loads the Document row and its blob bytes for a leased job.
// OcrJob rows never carry file content themselves (spec §4.1/§4.2): the
// worker resolves document_id back to its storage_key on each attempt.
func (q *Queue) fetchInput(ctx context.Context, documentID string) (*model.Document, []byte, error) {
	doc, err := q.store.GetDocument(ctx, documentID, false)
	if err != nil {
		return nil, nil, err
	}
	data, err := q.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, nil, cerrors.NewUpstream("fetch blob for ocr", true, err)
	}
	return doc, data, nil
}

// heartbeat renews job's lease at lease_ttl/3 until ctx is cancelled or
// the lease is lost (spec §4.3 step 3).
func (q *Queue) heartbeat(ctx context.Context, workerID, jobID string, leaseLost chan<- struct{}) {
	interval := q.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.store.RenewLease(ctx, jobID, workerID, q.leaseTTL); err != nil {
				if cerrors.CodeOf(err) == cerrors.LeaseLost {
					select {
					case leaseLost <- struct{}{}:
					default:
					}
					return
				}
				q.log.Warn("renewLease failed", "job_id", jobID, "error", err.Error())
			}
		}
	}
}
