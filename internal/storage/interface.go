// Package storage defines the durable queue store contract. Persistence
// is best-effort from the queue's point of view: a store failure never
// blocks the in-memory path, it only degrades restart recovery.
package storage

import (
	"context"

	"github.com/skylens/llmgate/pkg/types"
)

type Store interface {
	// Enqueue persists a newly admitted item and returns its store id.
	Enqueue(ctx context.Context, rec *QueueRecord) (string, error)

	// MarkProcessing stamps dispatch time and flips the record to
	// processing. Best-effort, called when the scheduler picks the item.
	MarkProcessing(ctx context.Context, id string) error

	// ClaimNextRetryable atomically takes the oldest retry-eligible
	// record (status retry_pending, retries below max) and returns it
	// flipped back to pending, or nil when none is waiting.
	ClaimNextRetryable(ctx context.Context) (*QueueRecord, error)

	Complete(ctx context.Context, id string, outputSummary string, usage types.TokenUsage, costUSD float64) error

	// Fail records a failure. Retryable failures with retry budget left
	// become retry_pending and stay visible to ClaimNextRetryable;
	// everything else is terminal.
	Fail(ctx context.Context, id string, errMsg string, retryable bool) error

	Cancel(ctx context.Context, id string) error

	// Clear cancels every non-terminal record, optionally scoped to one
	// project, and returns how many it touched.
	Clear(ctx context.Context, projectID string) (int, error)

	Get(ctx context.Context, id string) (*QueueRecord, error)
	QueryStatus(ctx context.Context, projectID string) (*types.StoreStatus, error)
	QueryHistory(ctx context.Context, projectID string, limit int) ([]*QueueRecord, error)
	QueryPending(ctx context.Context, projectID string, limit int) ([]*QueueRecord, error)
	QueryRetryable(ctx context.Context, projectID string, limit int) ([]*QueueRecord, error)

	Close() error
}
