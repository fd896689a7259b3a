package queue

import (
	"time"

	"github.com/skylens/llmgate/pkg/types"
)

// scheduleLocked runs one scheduling pass: it claims the largest batch
// of distinct-key pending items that fits under the global cap and each
// key's minimum spacing, and dispatches them in parallel. Callers must
// hold q.mu.
func (q *Queue) scheduleLocked() {
	if q.paused || q.closed {
		return
	}

	now := q.now()
	i := 0
	for i < len(q.pending) {
		if q.inFlight >= q.cfg.MaxConcurrency {
			return
		}

		it := q.pending[i]

		// Per-key serialization: never a second in-flight item on a key.
		if _, busy := q.processing[it.key]; busy {
			i++
			continue
		}

		// Minimum spacing since the key's last release; re-check later
		// instead of blocking the pass.
		if last, ok := q.lastActivity[it.key]; ok {
			if wait := q.cfg.MinKeySpacing - now.Sub(last); wait > 0 {
				q.armRecheckLocked(it.key, wait)
				i++
				continue
			}
		}

		// Global dispatch rate cap.
		r := q.limiter.Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			time.AfterFunc(delay, q.schedule)
			return
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.processing[it.key] = it
		q.inFlight++
		if q.inFlight > q.stats.maxConcurrency {
			q.stats.maxConcurrency = q.inFlight
		}
		it.status = types.StatusProcessing
		it.startedAt = now

		q.wg.Add(1)
		go q.process(it)
	}
}

func (q *Queue) schedule() {
	q.mu.Lock()
	q.scheduleLocked()
	q.mu.Unlock()
}

// armRecheckLocked schedules one deferred scheduling pass per spaced-out
// key, so the queue wakes up exactly when the key becomes dispatchable.
func (q *Queue) armRecheckLocked(key string, wait time.Duration) {
	if q.recheck[key] {
		return
	}
	q.recheck[key] = true
	time.AfterFunc(wait, func() {
		q.mu.Lock()
		delete(q.recheck, key)
		q.scheduleLocked()
		q.mu.Unlock()
	})
}

// releaseKey is the always-run tail of processing: free the key, stamp
// its activity time, and keep the queue moving.
func (q *Queue) releaseKey(key string) {
	q.mu.Lock()
	delete(q.processing, key)
	q.inFlight--
	q.lastActivity[key] = q.now()
	q.scheduleLocked()
	q.mu.Unlock()
}
