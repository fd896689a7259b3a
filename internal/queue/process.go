package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylens/llmgate/internal/billing"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/internal/secrets"
	"github.com/skylens/llmgate/pkg/types"
)

// outputSummaryLimit bounds what Complete persists; the full output goes
// only to the caller.
const outputSummaryLimit = 500

// process runs one claimed item through the full pipeline. The deferred
// release guarantees forward progress no matter how the item ends.
func (q *Queue) process(it *item) {
	defer q.wg.Done()
	defer q.releaseKey(it.key)

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.RequestTimeout)
	defer cancel()

	waitMs := it.startedAt.Sub(it.enqueuedAt).Milliseconds()
	q.recordWait(waitMs)

	meta := it.req.Meta()

	if it.persisted && q.store != nil {
		if err := q.store.MarkProcessing(ctx, it.id); err != nil {
			q.log.WithError(err).WithField("id", it.id).Warn("failed to persist dispatch")
		}
	}

	// BYOK detection: a project-sourced credential means the caller
	// pays the provider directly, so billing steps are skipped.
	byok := false
	if res, nerr := q.router.Resolve(ctx, it.req, meta.ProjectID); nerr == nil {
		byok = res.Credential.Source == secrets.SourceProject
	}

	if !byok && meta.ProjectID != "" {
		check, err := q.billing.CheckBalance(ctx, meta.ProjectID)
		if err != nil {
			q.log.WithError(err).Warn("balance check failed, allowing request")
		} else if !check.Allowed {
			q.rejectItem(ctx, it, check.Reason, waitMs)
			return
		}
	}

	start := q.now()
	res, err := q.router.Execute(ctx, it.req, meta.ProjectID)
	procMs := q.now().Sub(start).Milliseconds()
	if err != nil {
		// Unknown operation: a programming error, never retried.
		q.failItem(ctx, it, &types.NormalizedError{Code: types.ErrUnknown, Message: err.Error()}, waitMs, procMs)
		return
	}

	if res.Success {
		q.completeItem(ctx, it, res, byok, waitMs, procMs)
		return
	}

	nerr := res.Error
	if retryableInQueue(nerr.Code) && it.retries < it.maxRetries {
		q.retryItem(it, nerr)
		return
	}

	q.failItem(ctx, it, nerr, waitMs, procMs)
}

// retryableInQueue: only rate limits and timeouts consume a retry slot;
// everything else the router already failed over.
func retryableInQueue(code types.ErrorCode) bool {
	return code == types.ErrRateLimit || code == types.ErrTimeout
}

// retryItem re-enqueues at the front of the queue: rate limits after a
// fixed backoff, timeouts immediately. The caller's channel stays open.
func (q *Queue) retryItem(it *item, nerr *types.NormalizedError) {
	var delay time.Duration
	if nerr.Code == types.ErrRateLimit {
		delay = q.cfg.RateLimitDelay
	}

	q.mu.Lock()
	it.retries++
	q.stats.retried++
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"id":      it.id,
		"code":    nerr.Code,
		"retries": it.retries,
		"delay":   delay.String(),
	}).Info("requeueing after transient failure")

	requeue := func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			it.resolve(&types.GenerateResponse{ID: it.id, Status: types.StatusCancelled})
			return
		}
		it.status = types.StatusPending
		q.pending = append([]*item{it}, q.pending...)
		q.scheduleLocked()
		q.mu.Unlock()
	}
	if delay > 0 {
		time.AfterFunc(delay, requeue)
	} else {
		requeue()
	}
}

func (q *Queue) completeItem(ctx context.Context, it *item, res *router.Result, byok bool, waitMs, procMs int64) {
	out := res.Output
	cost := q.costFor(ctx, out.Provider, out.Model, out.Usage)
	billedCost := cost

	if !byok && it.req.Meta().ProjectID != "" {
		projectID := it.req.Meta().ProjectID
		billed, err := q.billing.RecordCost(ctx, billing.CostRecord{
			ProjectID:       projectID,
			ProviderCostUSD: cost,
			Usage:           out.Usage,
			Model:           out.Model,
			Provider:        out.Provider,
			Context:         it.req.Meta().Context,
			RequestID:       it.id,
		})
		if err != nil {
			q.log.WithError(err).Warn("failed to record cost")
		} else {
			billedCost = billed.BillableCostUSD
			if check, cerr := q.billing.CheckBalance(ctx, projectID); cerr == nil &&
				!check.Unlimited && check.BalanceRemaining < q.cfg.LowBalanceUSD {
				q.billing.NotifyLowBalance(ctx, projectID)
			}
		}
	}

	if it.persisted && q.store != nil {
		summary := out.Text
		if len(summary) > outputSummaryLimit {
			summary = summary[:outputSummaryLimit]
		}
		if err := q.store.Complete(ctx, it.id, summary, out.Usage, cost); err != nil {
			q.log.WithError(err).WithField("id", it.id).Warn("failed to persist completion")
		}
	}

	q.mu.Lock()
	it.status = types.StatusCompleted
	q.stats.processed++
	q.recordProcessingLocked(procMs)
	q.appendHistoryLocked(it, out.Provider, out.Model, "", cost, waitMs, procMs)
	q.mu.Unlock()

	it.resolve(&types.GenerateResponse{
		ID:      it.id,
		Status:  types.StatusCompleted,
		Result:  out,
		Routing: &res.Routing,
		CostUSD: billedCost,
	})
}

func (q *Queue) failItem(ctx context.Context, it *item, nerr *types.NormalizedError, waitMs, procMs int64) {
	if it.persisted && q.store != nil {
		if err := q.store.Fail(ctx, it.id, nerr.Message, nerr.Retryable); err != nil {
			q.log.WithError(err).WithField("id", it.id).Warn("failed to persist failure")
		}
	}

	q.mu.Lock()
	it.status = types.StatusFailed
	q.stats.failed++
	q.recordProcessingLocked(procMs)
	q.appendHistoryLocked(it, nerr.Provider, "", nerr.Message, 0, waitMs, procMs)
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"id":   it.id,
		"code": nerr.Code,
	}).Warn("request failed permanently")

	it.resolve(&types.GenerateResponse{
		ID:     it.id,
		Status: types.StatusFailed,
		Error:  nerr,
	})
}

func (q *Queue) rejectItem(ctx context.Context, it *item, reason string, waitMs int64) {
	projectID := it.req.Meta().ProjectID
	q.billing.NotifyInsufficientBalance(ctx, projectID, reason)

	if it.persisted && q.store != nil {
		if err := q.store.Fail(ctx, it.id, "insufficient balance: "+reason, false); err != nil {
			q.log.WithError(err).WithField("id", it.id).Warn("failed to persist rejection")
		}
	}

	q.mu.Lock()
	it.status = types.StatusRejected
	q.stats.rejected++
	q.appendHistoryLocked(it, "", "", reason, 0, waitMs, 0)
	q.mu.Unlock()

	it.resolve(&types.GenerateResponse{
		ID:     it.id,
		Status: types.StatusRejected,
		Error:  types.NewError(types.ErrInsufficientBalance, reason),
	})
}

// costFor prices actual usage, preferring live/override metadata over
// the static table. Unknown models cost zero.
func (q *Queue) costFor(ctx context.Context, provider, model string, usage types.TokenUsage) float64 {
	if q.meta != nil {
		if md := q.meta.Metadata(ctx, provider, model); md != nil {
			return float64(usage.InputTokens)/1e6*md.PriceInput +
				float64(usage.OutputTokens)/1e6*md.PriceOutput
		}
	}
	return modelmeta.CalculateCost(model, usage.InputTokens, usage.OutputTokens)
}

func (q *Queue) recordWait(waitMs int64) {
	q.mu.Lock()
	q.stats.waitSamples++
	q.stats.avgWaitMs += (float64(waitMs) - q.stats.avgWaitMs) / float64(q.stats.waitSamples)
	q.mu.Unlock()
}

func (q *Queue) recordProcessingLocked(procMs int64) {
	q.stats.procSamples++
	q.stats.avgProcessingMs += (float64(procMs) - q.stats.avgProcessingMs) / float64(q.stats.procSamples)
}
