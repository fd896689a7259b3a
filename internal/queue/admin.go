package queue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/skylens/llmgate/pkg/types"
)

// HistoryEntry is one terminal item in the bounded in-memory history.
type HistoryEntry struct {
	ID           string              `json:"id"`
	Operation    types.Operation     `json:"operation"`
	Priority     string              `json:"priority"`
	Status       types.RequestStatus `json:"status"`
	Provider     string              `json:"provider,omitempty"`
	Model        string              `json:"model,omitempty"`
	Error        string              `json:"error,omitempty"`
	CostUSD      float64             `json:"cost_usd,omitempty"`
	WaitMs       int64               `json:"wait_ms"`
	ProcessingMs int64               `json:"processing_ms"`
	FinishedAt   time.Time           `json:"finished_at"`
}

// appendHistoryLocked pushes onto the ring, dropping the oldest entry
// once full. Callers hold q.mu.
func (q *Queue) appendHistoryLocked(it *item, provider, model, errMsg string, cost float64, waitMs, procMs int64) {
	entry := HistoryEntry{
		ID:           it.id,
		Operation:    it.req.Operation(),
		Priority:     it.priority.String(),
		Status:       it.status,
		Provider:     provider,
		Model:        model,
		Error:        errMsg,
		CostUSD:      cost,
		WaitMs:       waitMs,
		ProcessingMs: procMs,
		FinishedAt:   q.now(),
	}
	q.history = append(q.history, entry)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}
}

// History returns the most recent terminal items, newest last.
func (q *Queue) History(limit int) []HistoryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// Pause stops scheduling new work; in-flight items finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info("queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.scheduleLocked()
	q.mu.Unlock()
	q.log.Info("queue resumed")
}

// Reconfigure merges the non-zero fields of cfg into the live config.
func (q *Queue) Reconfigure(cfg Config) {
	q.mu.Lock()
	mergeConfig(&cfg, q.cfg)
	q.cfg = cfg
	q.limiter.SetLimit(rate.Limit(cfg.DispatchPerSec))
	q.scheduleLocked()
	q.mu.Unlock()
	q.log.WithField("max_concurrency", cfg.MaxConcurrency).Info("queue reconfigured")
}

// Cancel removes a pending item before it starts. In-flight items run
// to completion; cancellation is cooperative only.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	q.mu.Lock()
	var cancelled *item
	for i, it := range q.pending {
		if it.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			cancelled = it
			break
		}
	}
	if cancelled != nil {
		cancelled.status = types.StatusCancelled
		q.stats.cancelled++
		q.appendHistoryLocked(cancelled, "", "", "cancelled", 0, 0, 0)
	}
	q.mu.Unlock()

	if cancelled == nil {
		// Not in memory; best-effort cancel of a persisted record.
		if q.store != nil {
			if err := q.store.Cancel(ctx, id); err != nil {
				q.log.WithError(err).WithField("id", id).Warn("failed to cancel stored record")
			}
		}
		return false
	}

	if cancelled.persisted && q.store != nil {
		if err := q.store.Cancel(ctx, id); err != nil {
			q.log.WithError(err).WithField("id", id).Warn("failed to persist cancellation")
		}
	}
	cancelled.resolve(&types.GenerateResponse{
		ID:     id,
		Status: types.StatusCancelled,
		Error:  types.NewError(types.ErrCancelled, "request cancelled"),
	})
	return true
}

// Clear bulk-cancels pending work, optionally scoped to one project,
// and returns how many items it touched (in-memory plus store-only).
func (q *Queue) Clear(ctx context.Context, projectID string) int {
	q.mu.Lock()
	var kept, dropped []*item
	for _, it := range q.pending {
		if projectID == "" || it.req.Meta().ProjectID == projectID {
			dropped = append(dropped, it)
		} else {
			kept = append(kept, it)
		}
	}
	q.pending = kept
	q.stats.cancelled += int64(len(dropped))
	for _, it := range dropped {
		it.status = types.StatusCancelled
		q.appendHistoryLocked(it, "", "", "cleared", 0, 0, 0)
	}
	q.mu.Unlock()

	if q.store != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, it := range dropped {
			if !it.persisted {
				continue
			}
			it := it
			g.Go(func() error {
				return q.store.Cancel(gctx, it.id)
			})
		}
		if err := g.Wait(); err != nil {
			q.log.WithError(err).Warn("failed to persist some cancellations")
		}
	}

	for _, it := range dropped {
		it.resolve(&types.GenerateResponse{
			ID:     it.id,
			Status: types.StatusCancelled,
			Error:  types.NewError(types.ErrCancelled, "queue cleared"),
		})
	}

	total := len(dropped)
	if q.store != nil {
		// Store-resident items already cancelled above are terminal by
		// now, so this only counts what the memory pass missed.
		n, err := q.store.Clear(ctx, projectID)
		if err != nil {
			q.log.WithError(err).Warn("failed to clear stored records")
		} else {
			total += n
		}
	}
	return total
}

// Stats snapshots the live counters.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueStats{
		Processed:        q.stats.processed,
		Failed:           q.stats.failed,
		Cancelled:        q.stats.cancelled,
		Rejected:         q.stats.rejected,
		Retried:          q.stats.retried,
		AvgWaitMs:        q.stats.avgWaitMs,
		AvgProcessingMs:  q.stats.avgProcessingMs,
		MaxConcurrency:   q.stats.maxConcurrency,
		CurrentDepth:     len(q.pending),
		CurrentInFlight:  q.inFlight,
		Paused:           q.paused,
		StorageAvailable: q.store != nil,
	}
}

// Status is the full diagnostics surface: depth, every in-flight item,
// live stats, and merged store counts when persistence is on.
func (q *Queue) Status(ctx context.Context) types.QueueStatusResponse {
	q.mu.Lock()
	processing := make([]types.ProcessingItem, 0, len(q.processing))
	for key, it := range q.processing {
		processing = append(processing, types.ProcessingItem{
			ID:             it.id,
			Operation:      it.req.Operation(),
			Priority:       it.priority.String(),
			ProjectID:      it.req.Meta().ProjectID,
			ConcurrencyKey: key,
			StartedAt:      it.startedAt.UTC().Format(time.RFC3339),
			Status:         it.status,
		})
	}
	q.mu.Unlock()

	resp := types.QueueStatusResponse{
		Depth:      q.Depth(),
		Processing: processing,
		Stats:      q.Stats(),
	}

	if q.store != nil {
		if st, err := q.store.QueryStatus(ctx, ""); err != nil {
			q.log.WithError(err).Warn("failed to query store status")
		} else {
			resp.Store = st
		}
	}
	return resp
}

// RequestInfo is the lookup view over both live and persisted items.
type RequestInfo struct {
	ID            string              `json:"id"`
	Status        types.RequestStatus `json:"status"`
	Operation     types.Operation     `json:"operation"`
	Priority      string              `json:"priority"`
	ProjectID     string              `json:"project_id,omitempty"`
	Retries       int                 `json:"retries"`
	Error         string              `json:"error,omitempty"`
	OutputSummary string              `json:"output_summary,omitempty"`
	CostUSD       float64             `json:"cost_usd,omitempty"`
}

// Lookup finds a request by id, checking live state before the store.
func (q *Queue) Lookup(ctx context.Context, id string) (*RequestInfo, bool) {
	q.mu.Lock()
	for _, it := range q.pending {
		if it.id == id {
			info := liveInfo(it)
			q.mu.Unlock()
			return info, true
		}
	}
	for _, it := range q.processing {
		if it.id == id {
			info := liveInfo(it)
			q.mu.Unlock()
			return info, true
		}
	}
	q.mu.Unlock()

	if q.store == nil {
		return nil, false
	}
	rec, err := q.store.Get(ctx, id)
	if err != nil {
		q.log.WithError(err).WithField("id", id).Warn("store lookup failed")
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	return &RequestInfo{
		ID:            rec.ID,
		Status:        rec.Status,
		Operation:     rec.Operation,
		Priority:      rec.Priority.String(),
		ProjectID:     rec.ProjectID,
		Retries:       rec.Retries,
		Error:         rec.Error,
		OutputSummary: rec.OutputSummary,
		CostUSD:       rec.CostUSD,
	}, true
}

func liveInfo(it *item) *RequestInfo {
	return &RequestInfo{
		ID:        it.id,
		Status:    it.status,
		Operation: it.req.Operation(),
		Priority:  it.priority.String(),
		ProjectID: it.req.Meta().ProjectID,
		Retries:   it.retries,
	}
}
