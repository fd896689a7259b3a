package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skylens/llmgate/pkg/types"
)

// StatusRetryPending is a store-only status: a failed record waiting for
// the retry sweep. In-memory items never carry it; a claimed record
// re-enters the queue as pending.
const StatusRetryPending types.RequestStatus = "retry_pending"

// QueueRecord is the persisted form of a queue item. Payload holds the
// full request JSON so the retry sweep can replay it after a restart.
type QueueRecord struct {
	ID         string
	ProjectID  string
	UserID     string
	Provider   string
	Model      string
	Operation  types.Operation
	Priority   types.Priority
	Status     types.RequestStatus
	Payload    []byte
	Context    string
	Retries    int
	MaxRetries int

	OutputSummary string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Error         string
	Retryable     bool

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// EncodeRequest serializes a request for the record payload.
func EncodeRequest(req types.Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest rebuilds the typed request from a record's payload,
// discriminated by the operation tag.
func DecodeRequest(op types.Operation, payload []byte) (types.Request, error) {
	switch op {
	case types.OpText:
		var req types.TextRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("failed to decode text request: %w", err)
		}
		return &req, nil
	case types.OpVision:
		var req types.VisionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("failed to decode vision request: %w", err)
		}
		return &req, nil
	case types.OpEmbeddings:
		var req types.EmbeddingRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("failed to decode embedding request: %w", err)
		}
		return &req, nil
	}
	return nil, fmt.Errorf("unknown operation %q in stored payload", op)
}

// NewRecord builds the persisted form of an admitted request.
func NewRecord(id string, req types.Request, priority types.Priority, maxRetries int, now time.Time) (*QueueRecord, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	meta := req.Meta()
	return &QueueRecord{
		ID:         id,
		ProjectID:  meta.ProjectID,
		UserID:     meta.UserID,
		Provider:   meta.Provider,
		Model:      meta.Model,
		Operation:  req.Operation(),
		Priority:   priority,
		Status:     types.StatusPending,
		Payload:    payload,
		Context:    meta.Context,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}, nil
}
