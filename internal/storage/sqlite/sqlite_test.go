package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skylens/llmgate/internal/storage"
	"github.com/skylens/llmgate/pkg/types"
)

func setupTestStore(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "sqlite_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	store, err := New(dbPath)
	if err != nil {
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
	}

	return store, cleanup
}

func testRecord(t *testing.T, id, projectID string) *storage.QueueRecord {
	t.Helper()

	req := &types.TextRequest{
		RequestMeta: types.RequestMeta{Provider: "openai", Model: "gpt-4o-mini", ProjectID: projectID},
		Messages:    []types.Message{{Role: "user", Text: "Hello!"}},
	}
	rec, err := storage.NewRecord(id, req, types.PriorityNormal, 3, time.Now())
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	return rec
}

func TestEnqueueAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	rec := testRecord(t, "req_test123", "proj-1")

	id, err := store.Enqueue(ctx, rec)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != "req_test123" {
		t.Errorf("ID mismatch: got %s", id)
	}

	retrieved, err := store.Get(ctx, "req_test123")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Get returned nil")
	}
	if retrieved.Status != types.StatusPending {
		t.Errorf("Status mismatch: got %s", retrieved.Status)
	}
	if retrieved.Provider != "openai" || retrieved.Model != "gpt-4o-mini" {
		t.Errorf("Provider/model mismatch: %s/%s", retrieved.Provider, retrieved.Model)
	}

	// Payload round-trips into the typed request
	req, err := storage.DecodeRequest(retrieved.Operation, retrieved.Payload)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	text, ok := req.(*types.TextRequest)
	if !ok {
		t.Fatalf("Expected TextRequest, got %T", req)
	}
	if len(text.Messages) != 1 || text.Messages[0].Text != "Hello!" {
		t.Error("Payload messages lost in round trip")
	}

	missing, err := store.Get(ctx, "req_nope")
	if err != nil {
		t.Fatalf("Get missing failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing record")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	rec := testRecord(t, "req_life", "")
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.MarkProcessing(ctx, "req_life"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	retrieved, _ := store.Get(ctx, "req_life")
	if retrieved.Status != types.StatusProcessing {
		t.Errorf("Status not processing: got %s", retrieved.Status)
	}
	if retrieved.StartedAt == nil {
		t.Error("StartedAt should be set")
	}

	usage := types.TokenUsage{InputTokens: 120, OutputTokens: 45}
	if err := store.Complete(ctx, "req_life", "Hello! How can I help?", usage, 0.0012); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	retrieved, _ = store.Get(ctx, "req_life")
	if retrieved.Status != types.StatusCompleted {
		t.Errorf("Status not completed: got %s", retrieved.Status)
	}
	if retrieved.InputTokens != 120 || retrieved.OutputTokens != 45 {
		t.Errorf("Token usage mismatch: %d/%d", retrieved.InputTokens, retrieved.OutputTokens)
	}
	if retrieved.CostUSD != 0.0012 {
		t.Errorf("Cost mismatch: %f", retrieved.CostUSD)
	}
	if retrieved.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestFailRetryableBecomesRetryPending(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	rec := testRecord(t, "req_retry", "")
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.Fail(ctx, "req_retry", "rate limit exceeded", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	retrieved, _ := store.Get(ctx, "req_retry")
	if retrieved.Status != storage.StatusRetryPending {
		t.Errorf("Status should be retry_pending: got %s", retrieved.Status)
	}
	if retrieved.Retries != 1 {
		t.Errorf("Retries should be 1: got %d", retrieved.Retries)
	}
	if retrieved.Error != "rate limit exceeded" {
		t.Errorf("Error mismatch: %q", retrieved.Error)
	}
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	rec := testRecord(t, "req_fatal", "")
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.Fail(ctx, "req_fatal", "invalid request", false); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	retrieved, _ := store.Get(ctx, "req_fatal")
	if retrieved.Status != types.StatusFailed {
		t.Errorf("Status should be failed: got %s", retrieved.Status)
	}

	claimed, err := store.ClaimNextRetryable(ctx)
	if err != nil {
		t.Fatalf("ClaimNextRetryable failed: %v", err)
	}
	if claimed != nil {
		t.Error("Terminal failure should not be claimable")
	}
}

func TestClaimNextRetryable(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	// Two retryable failures; the older one is claimed first.
	older := testRecord(t, "req_older", "")
	older.CreatedAt = time.Now().Add(-time.Minute)
	if _, err := store.Enqueue(ctx, older); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	newer := testRecord(t, "req_newer", "")
	if _, err := store.Enqueue(ctx, newer); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.Fail(ctx, "req_older", "timeout", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if err := store.Fail(ctx, "req_newer", "timeout", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	claimed, err := store.ClaimNextRetryable(ctx)
	if err != nil {
		t.Fatalf("ClaimNextRetryable failed: %v", err)
	}
	if claimed == nil {
		t.Fatal("Expected a claimed record")
	}
	if claimed.ID != "req_older" {
		t.Errorf("Expected oldest record first, got %s", claimed.ID)
	}
	if claimed.Status != types.StatusPending {
		t.Errorf("Claimed record should be pending: got %s", claimed.Status)
	}
	if claimed.Error != "" {
		t.Errorf("Claimed record should have error cleared: %q", claimed.Error)
	}

	// A second claim picks the remaining record, then the well runs dry.
	second, err := store.ClaimNextRetryable(ctx)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if second == nil || second.ID != "req_newer" {
		t.Errorf("Expected req_newer on second claim, got %+v", second)
	}
	third, err := store.ClaimNextRetryable(ctx)
	if err != nil {
		t.Fatalf("Third claim failed: %v", err)
	}
	if third != nil {
		t.Errorf("Expected no more retryable records, got %s", third.ID)
	}
}

func TestRetriesExhaustedNotClaimable(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	rec := testRecord(t, "req_exhaust", "")
	rec.MaxRetries = 1
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.Fail(ctx, "req_exhaust", "timeout", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if claimed, _ := store.ClaimNextRetryable(ctx); claimed == nil {
		t.Fatal("First failure should be claimable")
	}

	// Second retryable failure exceeds max_retries and goes terminal.
	if err := store.Fail(ctx, "req_exhaust", "timeout", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	retrieved, _ := store.Get(ctx, "req_exhaust")
	if retrieved.Status != types.StatusFailed {
		t.Errorf("Exhausted record should be failed: got %s", retrieved.Status)
	}
	if claimed, _ := store.ClaimNextRetryable(ctx); claimed != nil {
		t.Errorf("Exhausted record should not be claimable: got %s", claimed.ID)
	}
}

func TestCancelAndClear(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	for _, id := range []string{"req_a", "req_b"} {
		if _, err := store.Enqueue(ctx, testRecord(t, id, "proj-1")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := store.Enqueue(ctx, testRecord(t, "req_c", "proj-2")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.Cancel(ctx, "req_a"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	retrieved, _ := store.Get(ctx, "req_a")
	if retrieved.Status != types.StatusCancelled {
		t.Errorf("Status should be cancelled: got %s", retrieved.Status)
	}

	// Cancel is a no-op on terminal records.
	if err := store.Cancel(ctx, "req_a"); err != nil {
		t.Fatalf("Second cancel failed: %v", err)
	}

	// Scoped clear touches only proj-1's remaining pending item.
	n, err := store.Clear(ctx, "proj-1")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cleared, got %d", n)
	}
	retrieved, _ = store.Get(ctx, "req_c")
	if retrieved.Status != types.StatusPending {
		t.Errorf("Other project's record should be untouched: got %s", retrieved.Status)
	}

	// Unscoped clear takes the rest.
	n, err = store.Clear(ctx, "")
	if err != nil {
		t.Fatalf("Unscoped clear failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cleared, got %d", n)
	}
}

func TestQueryStatus(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := store.Enqueue(ctx, testRecord(t, "req_pend", "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	proc := testRecord(t, "req_proc", "")
	if _, err := store.Enqueue(ctx, proc); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.MarkProcessing(ctx, "req_proc"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	done := testRecord(t, "req_done", "")
	if _, err := store.Enqueue(ctx, done); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.MarkProcessing(ctx, "req_done"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := store.Complete(ctx, "req_done", "out", types.TokenUsage{InputTokens: 10, OutputTokens: 5}, 0.5); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	retry := testRecord(t, "req_retry", "")
	if _, err := store.Enqueue(ctx, retry); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Fail(ctx, "req_retry", "timeout", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	status, err := store.QueryStatus(ctx, "")
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if status.Pending != 1 {
		t.Errorf("Pending: got %d, want 1", status.Pending)
	}
	if status.Processing != 1 {
		t.Errorf("Processing: got %d, want 1", status.Processing)
	}
	if status.RetryPending != 1 {
		t.Errorf("RetryPending: got %d, want 1", status.RetryPending)
	}
	if status.CompletedToday != 1 {
		t.Errorf("CompletedToday: got %d, want 1", status.CompletedToday)
	}
	if status.TotalCostTodayUSD != 0.5 {
		t.Errorf("TotalCostTodayUSD: got %f, want 0.5", status.TotalCostTodayUSD)
	}
}

func TestQueryPendingAndHistory(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := store.Enqueue(ctx, testRecord(t, "req_p1", "proj-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, testRecord(t, "req_p2", "proj-2")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, testRecord(t, "req_h1", "proj-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Fail(ctx, "req_h1", "invalid", false); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	pending, err := store.QueryPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("QueryPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending, got %d", len(pending))
	}

	scoped, err := store.QueryPending(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("Scoped QueryPending failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "req_p1" {
		t.Errorf("Scoped pending mismatch: %+v", scoped)
	}

	history, err := store.QueryHistory(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("QueryHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != "req_h1" {
		t.Errorf("History mismatch: %+v", history)
	}
}
