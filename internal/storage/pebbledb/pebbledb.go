package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/pkg/types"
)

// Key prefixes
const (
	prefixReq   = "req:"   // req:{id} → record JSON
	prefixSt    = "st:"    // st:{status}:{ts}:{id} → empty
	prefixCount = "count:" // count:{status} → int64
	prefixDay   = "day:"   // day:{date}:{metric} → int64
)

// Daily aggregate metrics, merged as int64 adds. Cost is stored in
// micro-dollars so it survives integer merging.
const (
	metricCompleted = "completed"
	metricFailed    = "failed"
	metricCostMicro = "cost_micro"
	metricProcMs    = "proc_ms"
)

type PebbleStore struct {
	db          *pebble.DB
	batchWriter *BatchWriter
	useBatch    bool
}

type recordData struct {
	ID         string              `json:"id"`
	ProjectID  string              `json:"project_id,omitempty"`
	UserID     string              `json:"user_id,omitempty"`
	Provider   string              `json:"provider,omitempty"`
	Model      string              `json:"model,omitempty"`
	Operation  string              `json:"operation"`
	Priority   int                 `json:"priority"`
	Status     string              `json:"status"`
	Payload    json.RawMessage     `json:"payload"`
	Context    string              `json:"context,omitempty"`
	Retries    int                 `json:"retries"`
	MaxRetries int                 `json:"max_retries"`

	OutputSummary string  `json:"output_summary,omitempty"`
	InputTokens   int     `json:"input_tokens,omitempty"`
	OutputTokens  int     `json:"output_tokens,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	Error         string  `json:"error,omitempty"`
	Retryable     bool    `json:"retryable,omitempty"`

	CreatedAt   int64  `json:"created_at"` // Unix nano
	StartedAt   *int64 `json:"started_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

func New(dbPath string, useBatch bool) (*PebbleStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:       db,
		useBatch: useBatch,
	}

	if useBatch {
		store.batchWriter = NewBatchWriter(db, DefaultBatchWriterConfig())
	}

	return store, nil
}

func (s *PebbleStore) Close() error {
	// Close batch writer first to flush remaining writes
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			return fmt.Errorf("failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

func reqKey(id string) []byte {
	return []byte(prefixReq + id)
}

func stKey(status string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixSt, status, ts, id))
}

func stPrefix(status string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSt, status))
}

func countKey(status string) []byte {
	return []byte(prefixCount + status)
}

func dayKey(day, metric string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixDay, day, metric))
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub
		}
		ub[i] = 0
	}
	return append(ub, 0)
}

func (s *PebbleStore) Enqueue(ctx context.Context, rec *storage.QueueRecord) (string, error) {
	data := toRecordData(rec)
	value, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	if s.useBatch {
		// Queue writes to batch writer for batched commits
		s.batchWriter.Set(reqKey(rec.ID), value)
		s.batchWriter.Set(stKey(data.Status, data.CreatedAt, rec.ID), nil)
		s.batchWriter.Merge(countKey(data.Status), encodeInt64(1))
		return rec.ID, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(reqKey(rec.ID), value, nil)
	batch.Set(stKey(data.Status, data.CreatedAt, rec.ID), nil, nil)
	batch.Merge(countKey(data.Status), encodeInt64(1), nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("failed to commit batch: %w", err)
	}
	return rec.ID, nil
}

func (s *PebbleStore) getRecordData(id string) (*recordData, error) {
	value, closer, err := s.db.Get(reqKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()

	var data recordData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &data, nil
}

// mutate applies fn to the stored record and rewrites it together with
// its status index and counters in one batch.
func (s *PebbleStore) mutate(id string, fn func(*recordData)) error {
	data, err := s.getRecordData(id)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("record not found: %s", id)
	}

	oldStatus := data.Status
	ts := data.CreatedAt

	fn(data)

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	batch.Set(reqKey(id), value, nil)
	if data.Status != oldStatus {
		batch.Delete(stKey(oldStatus, ts, id), nil)
		batch.Set(stKey(data.Status, ts, id), nil, nil)
		batch.Merge(countKey(oldStatus), encodeInt64(-1), nil)
		batch.Merge(countKey(data.Status), encodeInt64(1), nil)
	}

	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	return s.mutate(id, func(data *recordData) {
		data.Status = string(types.StatusProcessing)
		data.StartedAt = &now
	})
}

func (s *PebbleStore) ClaimNextRetryable(ctx context.Context) (*storage.QueueRecord, error) {
	prefix := stPrefix(string(storage.StatusRetryPending))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}

	var claimed *recordData
	for iter.First(); iter.Valid(); iter.Next() {
		id := extractIDFromStKey(iter.Key())
		if id == "" {
			continue
		}
		data, err := s.getRecordData(id)
		if err != nil {
			iter.Close()
			return nil, err
		}
		if data == nil || data.Retries > data.MaxRetries {
			continue
		}
		claimed = data
		break
	}
	iter.Close()

	if claimed == nil {
		return nil, nil
	}

	if err := s.mutate(claimed.ID, func(data *recordData) {
		data.Status = string(types.StatusPending)
		data.Error = ""
		data.CompletedAt = nil
	}); err != nil {
		return nil, err
	}

	claimed.Status = string(types.StatusPending)
	claimed.Error = ""
	claimed.CompletedAt = nil
	return toQueueRecord(claimed), nil
}

func (s *PebbleStore) Complete(ctx context.Context, id string, outputSummary string, usage types.TokenUsage, costUSD float64) error {
	now := time.Now()
	nowNano := now.UnixNano()

	var procMs int64
	err := s.mutate(id, func(data *recordData) {
		data.Status = string(types.StatusCompleted)
		data.OutputSummary = outputSummary
		data.InputTokens = usage.InputTokens
		data.OutputTokens = usage.OutputTokens
		data.CostUSD = costUSD
		data.CompletedAt = &nowNano
		if data.StartedAt != nil {
			procMs = (nowNano - *data.StartedAt) / int64(time.Millisecond)
		}
	})
	if err != nil {
		return err
	}

	day := dayOf(now)
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Merge(dayKey(day, metricCompleted), encodeInt64(1), nil)
	batch.Merge(dayKey(day, metricCostMicro), encodeInt64(int64(costUSD*1e6)), nil)
	batch.Merge(dayKey(day, metricProcMs), encodeInt64(procMs), nil)
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Fail(ctx context.Context, id string, errMsg string, retryable bool) error {
	now := time.Now()
	nowNano := now.UnixNano()

	terminal := false
	err := s.mutate(id, func(data *recordData) {
		data.Retries++
		data.Error = errMsg
		data.Retryable = retryable
		data.CompletedAt = &nowNano
		if retryable && data.Retries <= data.MaxRetries {
			data.Status = string(storage.StatusRetryPending)
		} else {
			data.Status = string(types.StatusFailed)
			terminal = true
		}
	})
	if err != nil {
		return err
	}

	if terminal {
		return s.db.Merge(dayKey(dayOf(now), metricFailed), encodeInt64(1), pebble.Sync)
	}
	return nil
}

func (s *PebbleStore) Cancel(ctx context.Context, id string) error {
	nowNano := time.Now().UnixNano()
	return s.mutate(id, func(data *recordData) {
		if !types.RequestStatus(data.Status).Terminal() {
			data.Status = string(types.StatusCancelled)
			data.CompletedAt = &nowNano
		}
	})
}

func (s *PebbleStore) Clear(ctx context.Context, projectID string) (int, error) {
	cancelled := 0
	for _, status := range []types.RequestStatus{types.StatusPending, types.StatusProcessing, storage.StatusRetryPending} {
		ids, err := s.idsByStatus(string(status), 0)
		if err != nil {
			return cancelled, err
		}
		for _, id := range ids {
			data, err := s.getRecordData(id)
			if err != nil {
				return cancelled, err
			}
			if data == nil {
				continue
			}
			if projectID != "" && data.ProjectID != projectID {
				continue
			}
			if err := s.Cancel(ctx, id); err != nil {
				return cancelled, err
			}
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *PebbleStore) Get(ctx context.Context, id string) (*storage.QueueRecord, error) {
	data, err := s.getRecordData(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return toQueueRecord(data), nil
}

func (s *PebbleStore) getCount(status string) int64 {
	value, closer, err := s.db.Get(countKey(status))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeInt64(value)
}

func (s *PebbleStore) getDayMetric(day, metric string) int64 {
	value, closer, err := s.db.Get(dayKey(day, metric))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeInt64(value)
}

func (s *PebbleStore) QueryStatus(ctx context.Context, projectID string) (*types.StoreStatus, error) {
	if projectID != "" {
		return s.queryStatusScoped(projectID)
	}

	day := dayOf(time.Now())
	completed := s.getDayMetric(day, metricCompleted)

	status := &types.StoreStatus{
		Pending:           int(s.getCount(string(types.StatusPending))),
		Processing:        int(s.getCount(string(types.StatusProcessing))),
		RetryPending:      int(s.getCount(string(storage.StatusRetryPending))),
		CompletedToday:    int(completed),
		FailedToday:       int(s.getDayMetric(day, metricFailed)),
		TotalCostTodayUSD: float64(s.getDayMetric(day, metricCostMicro)) / 1e6,
	}
	if completed > 0 {
		status.AvgProcessingMs = float64(s.getDayMetric(day, metricProcMs)) / float64(completed)
	}
	return status, nil
}

// queryStatusScoped walks every record; project scoping has no index.
func (s *PebbleStore) queryStatusScoped(projectID string) (*types.StoreStatus, error) {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour).UnixNano()

	prefix := []byte(prefixReq)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	status := &types.StoreStatus{}
	var procMsSum int64

	for iter.First(); iter.Valid(); iter.Next() {
		var data recordData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if data.ProjectID != projectID {
			continue
		}

		switch types.RequestStatus(data.Status) {
		case types.StatusPending:
			status.Pending++
		case types.StatusProcessing:
			status.Processing++
		case storage.StatusRetryPending:
			status.RetryPending++
		case types.StatusCompleted:
			if data.CompletedAt != nil && *data.CompletedAt >= startOfDay {
				status.CompletedToday++
				status.TotalCostTodayUSD += data.CostUSD
				if data.StartedAt != nil {
					procMsSum += (*data.CompletedAt - *data.StartedAt) / int64(time.Millisecond)
				}
			}
		case types.StatusFailed:
			if data.CompletedAt != nil && *data.CompletedAt >= startOfDay {
				status.FailedToday++
			}
		}
	}

	if status.CompletedToday > 0 {
		status.AvgProcessingMs = float64(procMsSum) / float64(status.CompletedToday)
	}
	return status, nil
}

func (s *PebbleStore) QueryHistory(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(projectID, limit,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusRejected)
}

func (s *PebbleStore) QueryPending(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(projectID, limit, types.StatusPending, types.StatusProcessing)
}

func (s *PebbleStore) QueryRetryable(ctx context.Context, projectID string, limit int) ([]*storage.QueueRecord, error) {
	return s.queryByStatuses(projectID, limit, storage.StatusRetryPending)
}

func (s *PebbleStore) idsByStatus(status string, limit int) ([]string, error) {
	prefix := stPrefix(status)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if id := extractIDFromStKey(iter.Key()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *PebbleStore) queryByStatuses(projectID string, limit int, statuses ...types.RequestStatus) ([]*storage.QueueRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []*storage.QueueRecord
	for _, status := range statuses {
		ids, err := s.idsByStatus(string(status), 0)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if len(records) >= limit {
				return records, nil
			}
			data, err := s.getRecordData(id)
			if err != nil {
				return nil, err
			}
			if data == nil {
				continue
			}
			if projectID != "" && data.ProjectID != projectID {
				continue
			}
			records = append(records, toQueueRecord(data))
		}
	}
	return records, nil
}

// --- Conversion helpers ---

func toRecordData(rec *storage.QueueRecord) *recordData {
	data := &recordData{
		ID:            rec.ID,
		ProjectID:     rec.ProjectID,
		UserID:        rec.UserID,
		Provider:      rec.Provider,
		Model:         rec.Model,
		Operation:     string(rec.Operation),
		Priority:      int(rec.Priority),
		Status:        string(rec.Status),
		Payload:       json.RawMessage(rec.Payload),
		Context:       rec.Context,
		Retries:       rec.Retries,
		MaxRetries:    rec.MaxRetries,
		OutputSummary: rec.OutputSummary,
		InputTokens:   rec.InputTokens,
		OutputTokens:  rec.OutputTokens,
		CostUSD:       rec.CostUSD,
		Error:         rec.Error,
		Retryable:     rec.Retryable,
		CreatedAt:     rec.CreatedAt.UnixNano(),
	}
	if rec.StartedAt != nil {
		n := rec.StartedAt.UnixNano()
		data.StartedAt = &n
	}
	if rec.CompletedAt != nil {
		n := rec.CompletedAt.UnixNano()
		data.CompletedAt = &n
	}
	return data
}

func toQueueRecord(data *recordData) *storage.QueueRecord {
	rec := &storage.QueueRecord{
		ID:            data.ID,
		ProjectID:     data.ProjectID,
		UserID:        data.UserID,
		Provider:      data.Provider,
		Model:         data.Model,
		Operation:     types.Operation(data.Operation),
		Priority:      types.Priority(data.Priority),
		Status:        types.RequestStatus(data.Status),
		Payload:       []byte(data.Payload),
		Context:       data.Context,
		Retries:       data.Retries,
		MaxRetries:    data.MaxRetries,
		OutputSummary: data.OutputSummary,
		InputTokens:   data.InputTokens,
		OutputTokens:  data.OutputTokens,
		CostUSD:       data.CostUSD,
		Error:         data.Error,
		Retryable:     data.Retryable,
		CreatedAt:     time.Unix(0, data.CreatedAt),
	}
	if data.StartedAt != nil {
		t := time.Unix(0, *data.StartedAt)
		rec.StartedAt = &t
	}
	if data.CompletedAt != nil {
		t := time.Unix(0, *data.CompletedAt)
		rec.CompletedAt = &t
	}
	return rec
}

// extractIDFromStKey extracts the record ID from a status key
// Key format: st:{status}:{ts}:{id}
func extractIDFromStKey(key []byte) string {
	parts := bytes.Split(key, []byte(":"))
	if len(parts) >= 4 {
		return string(parts[len(parts)-1])
	}
	return ""
}
