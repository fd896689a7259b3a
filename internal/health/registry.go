package health

import (
	"sort"
	"sync"
	"time"

	"github.com/skylens/llmgate/pkg/types"
)

const (
	maxCooldown = 5 * time.Minute

	// maxBackoffFactor caps the exponential multiplier applied to the
	// base cooldown.
	maxBackoffFactor = 5
)

// Entry is the per-provider failure record. All fields are guarded by the
// registry mutex.
type Entry struct {
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	LastSuccess         time.Time
	LastFailure         time.Time
	CooldownUntil       time.Time // zero = not in cooldown
	LastErrorCode       types.ErrorCode
	LastErrorMessage    string
}

// Registry tracks provider health for the router's failover ordering.
// State is process-lifetime only: a restart deliberately clears all
// cooldowns so a fresh process never starts blocked on stale state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// NewRegistryWithClock is for tests that need deterministic cooldowns.
func NewRegistryWithClock(now func() time.Time) *Registry {
	r := NewRegistry()
	r.now = now
	return r
}

func (r *Registry) entry(provider string) *Entry {
	e, ok := r.entries[provider]
	if !ok {
		e = &Entry{}
		r.entries[provider] = e
	}
	return e
}

// RecordSuccess clears the consecutive-failure count and any active
// cooldown for the provider.
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(provider)
	e.ConsecutiveFailures = 0
	e.TotalSuccesses++
	e.LastSuccess = r.now()
	e.CooldownUntil = time.Time{}
}

// RecordFailure increments failure counters and, for retryable errors with
// a positive base cooldown, opens a cooldown window of
// base * min(2^(consecutiveFailures-1), 5), capped at 5 minutes.
// Non-retryable errors never open a cooldown: retrying with the same bad
// credential cannot succeed, so blocking the provider buys nothing.
func (r *Registry) RecordFailure(provider string, nerr *types.NormalizedError, baseCooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(provider)
	e.ConsecutiveFailures++
	e.TotalFailures++
	e.LastFailure = r.now()
	if nerr != nil {
		e.LastErrorCode = nerr.Code
		e.LastErrorMessage = nerr.Message
	}

	if nerr == nil || !nerr.Retryable || baseCooldown <= 0 {
		return
	}

	factor := maxBackoffFactor
	if n := e.ConsecutiveFailures - 1; n < 3 {
		factor = 1 << n
	}
	cooldown := baseCooldown * time.Duration(factor)
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	e.CooldownUntil = r.now().Add(cooldown)
}

func (r *Registry) IsInCooldown(provider string) bool {
	return r.CooldownRemaining(provider) > 0
}

// CooldownRemaining returns how long the provider stays ineligible, or 0.
func (r *Registry) CooldownRemaining(provider string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[provider]
	if !ok || e.CooldownUntil.IsZero() {
		return 0
	}
	remaining := e.CooldownUntil.Sub(r.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SortByHealth orders providers for failover: anyone in cooldown sorts
// last; among the rest, fewer consecutive failures wins, ties broken by
// more recent last success. The sort is stable so the caller's priority
// order survives as the final tiebreak.
func (r *Registry) SortByHealth(providers []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]string, len(providers))
	copy(out, providers)

	cooling := func(p string) bool {
		e, ok := r.entries[p]
		return ok && !e.CooldownUntil.IsZero() && e.CooldownUntil.After(now)
	}
	failures := func(p string) int {
		if e, ok := r.entries[p]; ok {
			return e.ConsecutiveFailures
		}
		return 0
	}
	lastSuccess := func(p string) time.Time {
		if e, ok := r.entries[p]; ok {
			return e.LastSuccess
		}
		return time.Time{}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := cooling(out[i]), cooling(out[j])
		if ci != cj {
			return !ci
		}
		fi, fj := failures(out[i]), failures(out[j])
		if fi != fj {
			return fi < fj
		}
		return lastSuccess(out[i]).After(lastSuccess(out[j]))
	})

	return out
}

// Snapshot returns a copy of the provider's entry, or nil if never seen.
func (r *Registry) Snapshot(provider string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[provider]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Providers lists every provider with recorded health, in no particular
// order.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Reset(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, provider)
}

func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}
