package queue

import (
	"context"
	"time"

	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/pkg/types"
)

// sweepLoop periodically reclaims retry-eligible records from the
// durable store. This is how a restarted server resumes retrying items
// that failed before the crash.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.sweepOnce(context.Background())
		case <-q.stopCh:
			return
		}
	}
}

// sweepOnce claims at most the spare global capacity worth of records
// and feeds them back through the normal processing path.
func (q *Queue) sweepOnce(ctx context.Context) {
	q.mu.Lock()
	spare := q.cfg.MaxConcurrency - q.inFlight - len(q.pending)
	paused := q.paused || q.closed
	q.mu.Unlock()

	if paused || spare <= 0 || q.store == nil {
		return
	}

	for i := 0; i < spare; i++ {
		rec, err := q.store.ClaimNextRetryable(ctx)
		if err != nil {
			q.log.WithError(err).Warn("retry sweep failed")
			return
		}
		if rec == nil {
			return
		}

		req, err := storage.DecodeRequest(rec.Operation, rec.Payload)
		if err != nil {
			q.log.WithError(err).WithField("id", rec.ID).Warn("dropping undecodable stored request")
			if ferr := q.store.Fail(ctx, rec.ID, "stored payload no longer decodable", false); ferr != nil {
				q.log.WithError(ferr).Warn("failed to mark undecodable record")
			}
			continue
		}

		it := &item{
			id:         rec.ID,
			req:        req,
			priority:   rec.Priority,
			status:     types.StatusPending,
			key:        q.concurrencyKey(ctx, req),
			retries:    rec.Retries,
			maxRetries: rec.MaxRetries,
			persisted:  true,
			enqueuedAt: q.now(),
			// No result channel: the original caller is gone.
		}

		q.log.WithField("id", rec.ID).Info("resuming stored retry")

		q.mu.Lock()
		q.insertLocked(it)
		q.scheduleLocked()
		q.mu.Unlock()
	}
}
