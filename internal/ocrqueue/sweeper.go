package ocrqueue

import (
	"context"
	"time"

	"github.com/adverant/docuflow/internal/metrics"
)

// sweepLoop runs expireLeases at lease_ttl/4 (spec §4.3: "Lease expiry
// sweeper: runs at lease_ttl/4 interval... guarantees that a crashed
// worker's jobs become re-leasable within one lease period").
func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.sweeperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepOnce(ctx)
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context) {
	n, err := q.store.ExpireLeases(ctx, q.clk.Now())
	if err != nil {
		q.log.Warn("expireLeases failed", "error", err.Error())
		return
	}
	if n > 0 {
		metrics.LeasesExpiredTotal.Add(float64(n))
		q.log.Info("expired stale leases", "count", n)
		q.notifier.Notify(ctx)
	}
}
