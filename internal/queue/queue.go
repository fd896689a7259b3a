// Package queue is the admission-control core: a priority queue that
// serializes traffic per credential, runs distinct credentials in
// parallel under a global cap, meters cost, and retries transient
// provider failures from a durable store.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/skylens/llmgate/internal/billing"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/pkg/types"
)

type Config struct {
	MaxQueueSize   int           `yaml:"max_queue_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MinKeySpacing  time.Duration `yaml:"min_key_spacing"`
	MaxRetries     int           `yaml:"max_retries"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HistorySize    int           `yaml:"history_size"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	DispatchPerSec float64       `yaml:"dispatch_per_sec"`
	LowBalanceUSD  float64       `yaml:"low_balance_usd"`
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:   100,
		MaxConcurrency: 10,
		MinKeySpacing:  500 * time.Millisecond,
		MaxRetries:     3,
		RateLimitDelay: 5 * time.Second,
		RequestTimeout: 5 * time.Minute,
		HistorySize:    100,
		SweepInterval:  30 * time.Second,
		DispatchPerSec: 20,
		LowBalanceUSD:  1,
	}
}

// Router is the slice of the router the queue consumes; the concrete
// implementation is *router.Router, tests substitute fakes.
type Router interface {
	Execute(ctx context.Context, req types.Request, projectID string) (*router.Result, error)
	Resolve(ctx context.Context, req types.Request, projectID string) (*router.Resolution, *types.NormalizedError)
}

// Ticket is the caller's handle on an enqueued request. Done yields
// exactly one response when the item reaches a terminal state.
type Ticket struct {
	ID   string
	Done <-chan *types.GenerateResponse
}

// item is one pending or in-flight request. Sweep-originated items have
// a nil result channel: their original caller is long gone.
type item struct {
	id         string
	req        types.Request
	priority   types.Priority
	status     types.RequestStatus
	key        string
	retries    int
	maxRetries int
	persisted  bool
	enqueuedAt time.Time
	startedAt  time.Time
	result     chan *types.GenerateResponse
}

func (it *item) resolve(resp *types.GenerateResponse) {
	if it.result == nil {
		return
	}
	select {
	case it.result <- resp:
	default:
	}
}

type statsState struct {
	processed       int64
	failed          int64
	cancelled       int64
	rejected        int64
	retried         int64
	avgWaitMs       float64
	avgProcessingMs float64
	waitSamples     int64
	procSamples     int64
	maxConcurrency  int
}

type Queue struct {
	router  Router
	billing billing.Service
	meta    *modelmeta.Registry
	store   storage.Store // nil when persistence is disabled
	log     *logrus.Entry

	mu           sync.Mutex
	cfg          Config
	pending      []*item
	processing   map[string]*item     // concurrency key → in-flight item
	lastActivity map[string]time.Time // concurrency key → last release time
	recheck      map[string]bool      // concurrency key → deferred re-check armed
	inFlight     int
	paused       bool
	closed       bool
	stats        statsState
	history      []HistoryEntry
	limiter      *rate.Limiter

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, rt Router, bill billing.Service, meta *modelmeta.Registry, store storage.Store) *Queue {
	def := DefaultConfig()
	mergeConfig(&cfg, def)

	if bill == nil {
		bill = billing.Unlimited{}
	}

	q := &Queue{
		router:       rt,
		billing:      bill,
		meta:         meta,
		store:        store,
		log:          logrus.WithField("component", "queue"),
		cfg:          cfg,
		processing:   make(map[string]*item),
		lastActivity: make(map[string]time.Time),
		recheck:      make(map[string]bool),
		limiter:      rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), cfg.MaxConcurrency),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}

	if q.store != nil && cfg.SweepInterval > 0 {
		q.wg.Add(1)
		go q.sweepLoop()
	}

	return q
}

// mergeConfig fills zero fields of cfg from defaults.
func mergeConfig(cfg *Config, def Config) {
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MinKeySpacing == 0 {
		cfg.MinKeySpacing = def.MinKeySpacing
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RateLimitDelay == 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DispatchPerSec == 0 {
		cfg.DispatchPerSec = def.DispatchPerSec
	}
	if cfg.LowBalanceUSD == 0 {
		cfg.LowBalanceUSD = def.LowBalanceUSD
	}
}

// concurrencyKey groups traffic by provider and credential so one slow
// key never blocks another provider, or the same provider under a
// different API key.
func (q *Queue) concurrencyKey(ctx context.Context, req types.Request) string {
	res, nerr := q.router.Resolve(ctx, req, req.Meta().ProjectID)
	if nerr != nil {
		// Unroutable items share one key; processing fails them fast.
		return "unroutable"
	}
	if res.Credential.Value == "" {
		return res.Provider + ":local"
	}
	return res.Provider + ":" + credentialHash(res.Credential.Value)
}

func credentialHash(credential string) string {
	h := fnv.New32a()
	h.Write([]byte(credential))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Enqueue admits a request and returns a ticket whose Done channel
// resolves when the request reaches a terminal state.
func (q *Queue) Enqueue(ctx context.Context, req types.Request, priority types.Priority) (*Ticket, error) {
	key := q.concurrencyKey(ctx, req)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, types.NewError(types.ErrCancelled, "queue is shut down")
	}
	if len(q.pending)+q.inFlight >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return nil, types.NewError(types.ErrQueueFull,
			fmt.Sprintf("queue is full (%d items)", q.cfg.MaxQueueSize))
	}
	maxRetries := q.cfg.MaxRetries
	q.mu.Unlock()

	it := &item{
		id:         "req_" + uuid.NewString(),
		req:        req,
		priority:   priority,
		status:     types.StatusPending,
		key:        key,
		maxRetries: maxRetries,
		enqueuedAt: q.now(),
		result:     make(chan *types.GenerateResponse, 1),
	}

	// Best-effort persistence: a store failure degrades restart
	// recovery, never admission.
	if q.store != nil {
		rec, err := storage.NewRecord(it.id, req, priority, maxRetries, it.enqueuedAt)
		if err == nil {
			_, err = q.store.Enqueue(ctx, rec)
		}
		if err != nil {
			q.log.WithError(err).WithField("id", it.id).Warn("failed to persist enqueue")
		} else {
			it.persisted = true
		}
	}

	q.mu.Lock()
	q.insertLocked(it)
	q.scheduleLocked()
	q.mu.Unlock()

	return &Ticket{ID: it.id, Done: it.result}, nil
}

// insertLocked places the item by ascending priority, FIFO among equals.
func (q *Queue) insertLocked(it *item) {
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.priority > it.priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = it
}

// Shutdown stops scheduling and waits for in-flight work to finish or
// the context to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d items in flight: %w", q.InFlight(), ctx.Err())
	}
}

func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
