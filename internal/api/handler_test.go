package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/skylens/llmgate/internal/billing"
	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/queue"
	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/pkg/types"
)

// fakeRouter serves every request from one provider, returning a
// scripted result or a plain success.
type fakeRouter struct {
	mu     sync.Mutex
	result *router.Result
	block  chan struct{}
}

func (f *fakeRouter) Resolve(context.Context, types.Request, string) (*router.Resolution, *types.NormalizedError) {
	return &router.Resolution{
		Provider:   "openai",
		Model:      "test-model",
		Credential: router.Credential{Value: "sys-key", Source: "system"},
	}, nil
}

func (f *fakeRouter) Execute(context.Context, types.Request, string) (*router.Result, error) {
	f.mu.Lock()
	result := f.result
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if result != nil {
		return result, nil
	}
	return &router.Result{
		Success: true,
		Output: &types.GenerationResult{
			Text:     "ok",
			Provider: "openai",
			Model:    "test-model",
			Usage:    types.TokenUsage{InputTokens: 10, OutputTokens: 5},
		},
		Routing: types.RouteInfo{Mode: "failover", Provider: "openai", Model: "test-model"},
	}, nil
}

func setupTestApp(t *testing.T, fr *fakeRouter, bill billing.Service) (*fiber.App, *queue.Queue, *health.Registry) {
	t.Helper()

	if bill == nil {
		bill = billing.Unlimited{}
	}
	cfg := queue.Config{
		MaxQueueSize:   8,
		MaxConcurrency: 4,
		MinKeySpacing:  time.Millisecond,
		RequestTimeout: 2 * time.Second,
		DispatchPerSec: 1000,
	}
	q := queue.New(cfg, fr, bill, nil, nil)
	t.Cleanup(func() {
		if err := q.Shutdown(context.Background()); err != nil {
			t.Logf("Failed to shut queue down: %v", err)
		}
	})

	hr := health.NewRegistry()
	app := fiber.New()
	SetupRoutes(app, q, hr, []string{"openai", "groq"})
	return app, q, hr
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestGenerateText(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	body := `{"messages": [{"role": "user", "text": "Hello!"}]}`
	resp := postJSON(t, app, "/v1/generate/text", body)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var out types.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Status != types.StatusCompleted {
		t.Errorf("Status should be 'completed', got %s", out.Status)
	}
	if out.Result == nil || out.Result.Text != "ok" {
		t.Errorf("Result text mismatch: %+v", out.Result)
	}
	if out.Routing == nil || out.Routing.Provider != "openai" {
		t.Errorf("Routing block missing or wrong: %+v", out.Routing)
	}
	if out.ID == "" {
		t.Error("Request ID should not be empty")
	}
}

func TestGenerateTextRequiresMessages(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	resp := postJSON(t, app, "/v1/generate/text", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestGenerateTextInvalidBody(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	resp := postJSON(t, app, "/v1/generate/text", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestEmbeddings(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	resp := postJSON(t, app, "/v1/embeddings", `{"input": ["a", "b"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestEmbeddingsRequiresInput(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	resp := postJSON(t, app, "/v1/embeddings", `{"input": []}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestFailedRequestMapsToUpstreamError(t *testing.T) {
	fr := &fakeRouter{result: &router.Result{
		Error: &types.NormalizedError{
			Provider: "openai",
			Code:     types.ErrAuth,
			Message:  "invalid api key",
		},
		Routing: types.RouteInfo{Mode: "failover"},
	}}
	app, _, _ := setupTestApp(t, fr, nil)

	body := `{"messages": [{"role": "user", "text": "Hello!"}]}`
	resp := postJSON(t, app, "/v1/generate/text", body)

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", resp.StatusCode)
	}

	var out types.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Status != types.StatusFailed {
		t.Errorf("Status should be 'failed', got %s", out.Status)
	}
	if out.Error == nil || out.Error.Code != types.ErrAuth {
		t.Errorf("Error code mismatch: %+v", out.Error)
	}
}

// denyingBilling rejects every balance check.
type denyingBilling struct{}

func (denyingBilling) CheckBalance(context.Context, string) (*billing.BalanceCheck, error) {
	return &billing.BalanceCheck{Allowed: false, Reason: "insufficient balance"}, nil
}

func (denyingBilling) RecordCost(_ context.Context, rec billing.CostRecord) (*billing.CostResult, error) {
	return &billing.CostResult{BillableCostUSD: rec.ProviderCostUSD}, nil
}

func (denyingBilling) NotifyLowBalance(context.Context, string)                  {}
func (denyingBilling) NotifyInsufficientBalance(context.Context, string, string) {}

func TestRejectedRequestReturnsPaymentRequired(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, denyingBilling{})

	body := `{"project_id": "proj-1", "messages": [{"role": "user", "text": "Hello!"}]}`
	resp := postJSON(t, app, "/v1/generate/text", body)

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
}

func TestQueueFullReturnsTooManyRequests(t *testing.T) {
	fr := &fakeRouter{block: make(chan struct{})}
	app, q, _ := setupTestApp(t, fr, nil)
	defer close(fr.block)

	// Occupy one slot with a request parked inside Execute.
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/generate/text", bytes.NewBufferString(`{"messages": [{"role": "user", "text": "slow"}]}`))
		req.Header.Set("Content-Type", "application/json")
		_, _ = app.Test(req, 10000)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for q.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never started processing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Fill the remaining admission slots directly, then overflow over HTTP.
	q.Pause()
	filler := &types.TextRequest{Messages: []types.Message{{Role: "user", Text: "x"}}}
	for q.Depth()+q.InFlight() < 8 {
		if _, err := q.Enqueue(context.Background(), filler, types.PriorityBatch); err != nil {
			t.Fatalf("filler Enqueue failed: %v", err)
		}
	}

	resp := postJSON(t, app, "/v1/generate/text", `{"messages": [{"role": "user", "text": "overflow"}]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", resp.StatusCode)
	}
	q.Clear(context.Background(), "")
	q.Resume()
}

func TestGetRequestNotFound(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/requests/req_missing", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/requests/req_missing", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var out types.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Cancelled {
		t.Error("Cancelled should be false for an unknown id")
	}
}

func TestQueueStatusAfterRequest(t *testing.T) {
	app, _, _ := setupTestApp(t, &fakeRouter{}, nil)

	postJSON(t, app, "/v1/generate/text", `{"messages": [{"role": "user", "text": "Hello!"}]}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var status types.QueueStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Stats.Processed != 1 {
		t.Errorf("Expected 1 processed, got %d", status.Stats.Processed)
	}
	if status.Stats.StorageAvailable {
		t.Error("StorageAvailable should be false without a store")
	}
}

func TestPauseAndResume(t *testing.T) {
	app, q, _ := setupTestApp(t, &fakeRouter{}, nil)

	resp := postJSON(t, app, "/v1/queue/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !q.Stats().Paused {
		t.Error("Queue should be paused")
	}

	resp = postJSON(t, app, "/v1/queue/resume", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if q.Stats().Paused {
		t.Error("Queue should be resumed")
	}
}

func TestProviderHealthView(t *testing.T) {
	app, _, hr := setupTestApp(t, &fakeRouter{}, nil)

	hr.RecordFailure("openai", &types.NormalizedError{
		Code: types.ErrRateLimit, Message: "slow down", Retryable: true,
	}, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var views []types.ProviderHealth
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(views))
	}

	byName := make(map[string]types.ProviderHealth)
	for _, v := range views {
		byName[v.Provider] = v
	}
	if byName["openai"].ConsecutiveFailures != 1 {
		t.Errorf("openai failures = %d, want 1", byName["openai"].ConsecutiveFailures)
	}
	if byName["openai"].CooldownRemainingMs <= 0 {
		t.Error("openai should be cooling down")
	}
	if byName["groq"].TotalFailures != 0 {
		t.Errorf("groq should be untouched, got %+v", byName["groq"])
	}
}
