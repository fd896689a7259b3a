package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skylens/llmgate/internal/budget"
	"github.com/skylens/llmgate/internal/cache"
	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/pkg/types"
)

type fakeExec struct {
	calls   []string
	results map[string]*types.GenerationResult
	errs    map[string]error
}

func (f *fakeExec) run(req ExecRequest) (*types.GenerationResult, error) {
	f.calls = append(f.calls, req.Provider)
	if err, ok := f.errs[req.Provider]; ok {
		return nil, err
	}
	if res, ok := f.results[req.Provider]; ok {
		return res, nil
	}
	return &types.GenerationResult{Text: "ok", Usage: types.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (f *fakeExec) GenerateText(_ context.Context, req ExecRequest) (*types.GenerationResult, error) {
	return f.run(req)
}
func (f *fakeExec) GenerateVision(_ context.Context, req ExecRequest) (*types.GenerationResult, error) {
	return f.run(req)
}
func (f *fakeExec) Embed(_ context.Context, req ExecRequest) (*types.GenerationResult, error) {
	return f.run(req)
}

type fakeCreds map[string]Credential

func (f fakeCreds) ProviderAPIKey(_ context.Context, provider, _ string) (Credential, bool) {
	c, ok := f[provider]
	return c, ok
}

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) HTTPStatus() int { return e.status }

func failoverConfig() Config {
	return Config{
		Mode: ModeFailover,
		Tasks: map[types.TaskType]TaskPolicy{
			types.TaskChat: {
				Providers:    []string{"openai", "groq"},
				MaxAttempts:  3,
				Timeout:      time.Second,
				CooldownBase: time.Minute,
			},
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				BaseURL:       "https://api.openai.com/v1",
				Capabilities:  Capabilities{Text: true, Vision: true, Embeddings: true},
				DefaultModels: map[types.Operation]string{types.OpText: "gpt-4o-mini"},
			},
			"groq": {
				BaseURL:       "https://api.groq.com/openai/v1",
				Capabilities:  Capabilities{Text: true},
				DefaultModels: map[types.Operation]string{types.OpText: "llama-3.1-8b-instant"},
			},
		},
	}
}

func newTestRouter(cfg Config, exec Executor, creds CredentialResolver) *Router {
	hr := health.NewRegistry()
	meta := modelmeta.NewRegistry(cache.NewMemory(), nil)
	return New(cfg, exec, creds, hr, meta, budget.DefaultPolicy())
}

func textReq() *types.TextRequest {
	return &types.TextRequest{
		Messages: []types.Message{{Role: "user", Text: "hello"}},
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"401", &statusErr{401, "bad key"}, types.ErrAuth, false},
		{"unauthorized text", errors.New("request unauthorized"), types.ErrAuth, false},
		{"404", &statusErr{404, "nope"}, types.ErrModelNotFound, false},
		{"model not found text", errors.New("model not found: x"), types.ErrModelNotFound, false},
		{"429", &statusErr{429, "slow down"}, types.ErrRateLimit, true},
		{"deadline", context.DeadlineExceeded, types.ErrTimeout, true},
		{"econnreset", errors.New("read tcp: ECONNRESET"), types.ErrTimeout, true},
		{"500", &statusErr{500, "oops"}, types.ErrServerError, true},
		{"internal text", errors.New("internal error"), types.ErrServerError, true},
		{"overloaded", errors.New("server overloaded, try later"), types.ErrOverloaded, true},
		{"quota", errors.New("quota exceeded for project"), types.ErrQuotaExceeded, false},
		{"invalid", errors.New("invalid request body"), types.ErrInvalidRequest, false},
		{"400", &statusErr{400, "bad"}, types.ErrInvalidRequest, false},
		{"unknown", errors.New("something odd"), types.ErrUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err, "openai")
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.Provider != "openai" {
				t.Errorf("provider not attached: %q", got.Provider)
			}
		})
	}
}

func TestNormalizeErrorClassificationOrder(t *testing.T) {
	// A 401 whose body mentions rate limits is still an auth failure.
	got := NormalizeError(&statusErr{401, "rate limit note in body"}, "openai")
	if got.Code != types.ErrAuth {
		t.Errorf("first matching class must win, got %s", got.Code)
	}
}

func TestFailoverExhaustion(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{
		"openai": &statusErr{500, "internal error"},
		"groq":   &statusErr{500, "internal error"},
	}}
	creds := fakeCreds{"openai": {Value: "sk-1", Source: "system"}, "groq": {Value: "gk-1", Source: "system"}}
	r := newTestRouter(failoverConfig(), exec, creds)

	res, err := r.Execute(context.Background(), textReq(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != types.ErrAllProvidersFailed {
		t.Errorf("code = %s, want all_providers_failed", res.Error.Code)
	}
	if len(res.Routing.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(res.Routing.Attempts))
	}
}

func TestFailoverSucceedsOnSecondCandidate(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{
		"openai": &statusErr{429, "rate limit"},
	}}
	creds := fakeCreds{"openai": {Value: "sk-1"}, "groq": {Value: "gk-1"}}
	r := newTestRouter(failoverConfig(), exec, creds)

	res, err := r.Execute(context.Background(), textReq(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if res.Routing.Provider != "groq" {
		t.Errorf("provider = %s, want groq", res.Routing.Provider)
	}
	if res.Output.Model != "llama-3.1-8b-instant" {
		t.Errorf("model = %s", res.Output.Model)
	}
	if len(res.Routing.Attempts) != 2 || res.Routing.Attempts[0].Error == nil {
		t.Errorf("expected failed first attempt in diagnostics")
	}
	if !r.Health().IsInCooldown("openai") {
		t.Error("rate-limited provider should be cooling down")
	}
}

func TestFailoverAdvancesPastNonRetryableErrors(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{
		"openai": &statusErr{401, "bad key"},
	}}
	creds := fakeCreds{"openai": {Value: "sk-bad"}, "groq": {Value: "gk-1"}}
	r := newTestRouter(failoverConfig(), exec, creds)

	res, _ := r.Execute(context.Background(), textReq(), "")
	if !res.Success {
		t.Fatalf("expected failover past auth error, got %+v", res.Error)
	}
	// Non-retryable failures count against health but never open a
	// cooldown, so the misconfigured provider is retried next cycle.
	if r.Health().IsInCooldown("openai") {
		t.Error("auth failure must not open a cooldown")
	}
	res2, _ := r.Execute(context.Background(), textReq(), "")
	if got := res2.Routing.Attempts[0].Provider; got != "openai" {
		t.Skipf("health ordering moved openai later: %s", got)
	}
}

func TestFailoverNoProvidersAvailable(t *testing.T) {
	exec := &fakeExec{}
	r := newTestRouter(failoverConfig(), exec, fakeCreds{}) // no credentials anywhere

	res, _ := r.Execute(context.Background(), textReq(), "")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != types.ErrNoProvidersAvailable {
		t.Errorf("code = %s", res.Error.Code)
	}
	if !strings.Contains(res.Error.Message, "no credential") {
		t.Errorf("expected per-candidate reasons, got %q", res.Error.Message)
	}
	if len(exec.calls) != 0 {
		t.Error("must not execute with no candidates")
	}
}

func TestFailoverSkipsProviderInCooldown(t *testing.T) {
	exec := &fakeExec{}
	creds := fakeCreds{"openai": {Value: "sk-1"}, "groq": {Value: "gk-1"}}
	r := newTestRouter(failoverConfig(), exec, creds)

	r.Health().RecordFailure("openai", &types.NormalizedError{Code: types.ErrServerError, Retryable: true, Message: "x"}, time.Minute)

	res, _ := r.Execute(context.Background(), textReq(), "")
	if !res.Success {
		t.Fatalf("expected success via groq: %+v", res.Error)
	}
	if res.Routing.Provider != "groq" {
		t.Errorf("cooldown provider should be skipped, routed to %s", res.Routing.Provider)
	}
	if len(exec.calls) != 1 {
		t.Errorf("cooldown provider must not be called, calls=%v", exec.calls)
	}
}

func TestFailoverVisionRequiresCapability(t *testing.T) {
	exec := &fakeExec{}
	creds := fakeCreds{"openai": {Value: "sk-1"}, "groq": {Value: "gk-1"}}
	cfg := failoverConfig()
	cfg.Providers["openai"] = ProviderConfig{
		BaseURL:       cfg.Providers["openai"].BaseURL,
		Capabilities:  cfg.Providers["openai"].Capabilities,
		DefaultModels: map[types.Operation]string{types.OpVision: "gpt-4o"},
	}
	r := newTestRouter(cfg, exec, creds)

	req := &types.VisionRequest{Messages: []types.Message{{Role: "user", Text: "what is this", Images: []string{"data:image/png;base64,x"}}}}
	res, _ := r.Execute(context.Background(), req, "")
	if !res.Success {
		t.Fatalf("expected success: %+v", res.Error)
	}
	// groq has no vision capability; only openai may serve this.
	if res.Routing.Provider != "openai" {
		t.Errorf("routed to %s", res.Routing.Provider)
	}
}

func TestSingleModeNoProviderConfigured(t *testing.T) {
	exec := &fakeExec{}
	r := newTestRouter(Config{Mode: ModeSingle}, exec, fakeCreds{})

	res, _ := r.Execute(context.Background(), textReq(), "")
	if res.Success || res.Error.Code != types.ErrNoProvider {
		t.Errorf("expected no_provider, got %+v", res.Error)
	}
	if len(exec.calls) != 0 {
		t.Error("must not execute without config")
	}
}

func TestSingleModeDiagnostics(t *testing.T) {
	exec := &fakeExec{}
	cfg := failoverConfig()
	cfg.Mode = ModeSingle
	cfg.Single = SingleConfig{Provider: "openai", Model: "gpt-4o-mini"}
	creds := fakeCreds{"openai": {Value: "sk-1"}}
	r := newTestRouter(cfg, exec, creds)

	res, _ := r.Execute(context.Background(), textReq(), "")
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res.Error)
	}
	if res.Routing.Mode != ModeSingle || res.Routing.Provider != "openai" || len(res.Routing.Attempts) != 1 {
		t.Errorf("routing diagnostics incomplete: %+v", res.Routing)
	}
}

func TestBudgetBlockedNeverExecutes(t *testing.T) {
	exec := &fakeExec{}
	cfg := failoverConfig()
	cfg.Tasks[types.TaskChat] = TaskPolicy{Providers: []string{"openai"}, MaxAttempts: 1}
	creds := fakeCreds{"openai": {Value: "sk-1"}}
	r := newTestRouter(cfg, exec, creds)

	req := textReq()
	req.System = strings.Repeat("s", 600_000) // ~165k tokens, over the 128k window
	res, _ := r.Execute(context.Background(), req, "")

	if res.Success {
		t.Fatal("expected block")
	}
	if res.Budget == nil || !res.Budget.Blocked {
		t.Error("budget decision should mark blocked")
	}
	if len(exec.calls) != 0 {
		t.Error("blocked request must never reach the provider")
	}
}

func TestResolveIsSideEffectFree(t *testing.T) {
	exec := &fakeExec{}
	creds := fakeCreds{"openai": {Value: "sk-1", Source: "project"}, "groq": {Value: "gk-1"}}
	r := newTestRouter(failoverConfig(), exec, creds)

	resolution, nerr := r.Resolve(context.Background(), textReq(), "proj-1")
	if nerr != nil {
		t.Fatalf("resolve failed: %v", nerr)
	}
	if resolution.Provider != "openai" || resolution.Model != "gpt-4o-mini" {
		t.Errorf("unexpected resolution: %+v", resolution)
	}
	if resolution.Credential.Source != "project" {
		t.Errorf("credential source lost: %+v", resolution.Credential)
	}
	if len(exec.calls) != 0 {
		t.Error("resolve must not execute")
	}
}

func TestUnknownOperationIsProgrammingError(t *testing.T) {
	r := newTestRouter(failoverConfig(), &fakeExec{}, fakeCreds{})

	if _, err := r.Execute(context.Background(), &bogusRequest{}, ""); err == nil {
		t.Fatal("unknown operation must surface as a hard error")
	}
}

type bogusRequest struct{ types.RequestMeta }

func (b *bogusRequest) Operation() types.Operation { return "telepathy" }
func (b *bogusRequest) Meta() *types.RequestMeta   { return &b.RequestMeta }
