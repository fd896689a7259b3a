// Package router chooses which provider serves a request and drives
// failover across providers using health-tracked cooldowns. It never
// returns a Go error for expected failure classes: those come back as a
// structured Result with a normalized error and full routing diagnostics.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylens/llmgate/internal/budget"
	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/pkg/types"
)

type Router struct {
	cfg     Config
	exec    Executor
	creds   CredentialResolver
	health  *health.Registry
	meta    *modelmeta.Registry
	budgets budget.Policy
	log     *logrus.Entry
}

func New(cfg Config, exec Executor, creds CredentialResolver, hr *health.Registry, meta *modelmeta.Registry, budgets budget.Policy) *Router {
	return &Router{
		cfg:     cfg,
		exec:    exec,
		creds:   creds,
		health:  hr,
		meta:    meta,
		budgets: budgets,
		log:     logrus.WithField("component", "router"),
	}
}

// Result is the uniform outcome of a routed execution.
type Result struct {
	Success bool
	Output  *types.GenerationResult
	Error   *types.NormalizedError
	Routing types.RouteInfo
	Budget  *budget.Result
}

func failure(mode string, nerr *types.NormalizedError) *Result {
	return &Result{
		Error:   nerr,
		Routing: types.RouteInfo{Mode: mode},
	}
}

// Health exposes the registry for diagnostics surfaces.
func (r *Router) Health() *health.Registry { return r.health }

// Execute routes and runs one request. The returned error is non-nil only
// for programming mistakes (an operation the router does not know);
// every expected failure lands inside the Result.
func (r *Router) Execute(ctx context.Context, req types.Request, projectID string) (*Result, error) {
	switch req.Operation() {
	case types.OpText, types.OpVision, types.OpEmbeddings:
	default:
		return nil, fmt.Errorf("router: unknown operation %q", req.Operation())
	}

	if r.cfg.Mode == ModeSingle {
		return r.executeSingle(ctx, req, projectID), nil
	}
	return r.executeFailover(ctx, req, projectID), nil
}

func (r *Router) executeSingle(ctx context.Context, req types.Request, projectID string) *Result {
	meta := req.Meta()
	provider := meta.Provider
	if provider == "" {
		provider = r.cfg.Single.Provider
	}
	model := meta.Model
	if model == "" {
		model = r.cfg.Single.Model
	}

	if provider == "" || model == "" {
		return failure(ModeSingle, types.NewError(types.ErrNoProvider, "no provider configured"))
	}

	pc, ok := r.cfg.Providers[provider]
	if !ok {
		return failure(ModeSingle, types.NewError(types.ErrNoProvider, "provider not configured: "+provider))
	}

	cred, ok := r.creds.ProviderAPIKey(ctx, provider, projectID)
	if !ok && !pc.Local {
		return failure(ModeSingle, &types.NormalizedError{
			Provider: provider,
			Code:     types.ErrAuth,
			Message:  "no credential configured for " + provider,
		})
	}

	c := Candidate{Provider: provider, Model: model, Eligible: true, credential: cred}
	res := &Result{Routing: types.RouteInfo{Mode: ModeSingle}}
	// Single mode records health for diagnostics but never opens a
	// cooldown: with one provider there is nothing to fail over to.
	r.attempt(ctx, res, c, req, singleModeTimeout, 0)
	return res
}

func (r *Router) executeFailover(ctx context.Context, req types.Request, projectID string) *Result {
	task := types.DefaultTask(req)
	policy, ok := r.cfg.Tasks[task]
	if !ok {
		return failure(ModeFailover, types.NewError(types.ErrNoProvider, "no routing policy for task: "+string(task)))
	}

	candidates := r.buildCandidates(ctx, task, req.Operation(), policy, projectID)
	if pinned := req.Meta().Provider; pinned != "" {
		candidates = filterProvider(candidates, pinned)
	}

	var eligible []Candidate
	for _, c := range candidates {
		if c.Eligible {
			eligible = append(eligible, c)
		}
	}

	res := &Result{Routing: types.RouteInfo{Mode: ModeFailover}}
	if len(eligible) == 0 {
		res.Error = types.NewError(types.ErrNoProvidersAvailable, "no providers available: "+ineligibleSummary(candidates))
		return res
	}

	attempts := policy.maxAttempts()
	if attempts > len(eligible) {
		attempts = len(eligible)
	}

	for i := 0; i < attempts; i++ {
		c := eligible[i]
		if m := req.Meta().Model; m != "" {
			c.Model = m
		}
		if done := r.attempt(ctx, res, c, req, policy.timeout(), policy.cooldownBase()); done {
			return res
		}
		// Advance to the next candidate whether or not the failure was
		// retryable; retryability only shapes the cooldown, not the loop.
	}

	last := res.Error
	res.Error = &types.NormalizedError{
		Provider:  last.Provider,
		Code:      types.ErrAllProvidersFailed,
		Message:   fmt.Sprintf("all %d provider(s) failed; last error: %s", len(res.Routing.Attempts), last.Message),
		Retryable: last.Retryable,
	}
	return res
}

// attempt runs one candidate. It returns true when the attempt settled
// the request: success, or a budget block that retrying elsewhere with
// the same oversized prompt cannot fix either way but is still recorded
// per candidate.
func (r *Router) attempt(ctx context.Context, res *Result, c Candidate, req types.Request, timeout, cooldownBase time.Duration) bool {
	execReq, bres, nerr := r.prepare(ctx, c, req)
	res.Budget = bres
	if nerr != nil {
		// Blocked by budget: never reaches the provider, so no health
		// penalty either.
		res.Error = nerr
		res.Routing.Attempts = append(res.Routing.Attempts, types.RouteAttempt{
			Provider: c.Provider,
			Model:    c.Model,
			Error:    nerr,
		})
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var out *types.GenerationResult
	var err error
	switch req.Operation() {
	case types.OpText:
		out, err = r.exec.GenerateText(callCtx, execReq)
	case types.OpVision:
		out, err = r.exec.GenerateVision(callCtx, execReq)
	case types.OpEmbeddings:
		out, err = r.exec.Embed(callCtx, execReq)
	}
	elapsed := time.Since(start)

	if err != nil {
		nerr := NormalizeError(err, c.Provider)
		r.health.RecordFailure(c.Provider, nerr, cooldownBase)
		res.Error = nerr
		res.Routing.Attempts = append(res.Routing.Attempts, types.RouteAttempt{
			Provider:   c.Provider,
			Model:      c.Model,
			Error:      nerr,
			DurationMs: elapsed.Milliseconds(),
		})
		r.log.WithFields(logrus.Fields{
			"provider": c.Provider,
			"model":    c.Model,
			"code":     nerr.Code,
		}).Warn("provider attempt failed")
		return false
	}

	r.health.RecordSuccess(c.Provider)
	out.Provider = c.Provider
	out.Model = c.Model
	res.Success = true
	res.Error = nil
	res.Output = out
	res.Routing.Provider = c.Provider
	res.Routing.Model = c.Model
	res.Routing.Attempts = append(res.Routing.Attempts, types.RouteAttempt{
		Provider:   c.Provider,
		Model:      c.Model,
		DurationMs: elapsed.Milliseconds(),
	})
	return true
}

// prepare applies the token budget and flattens the request for the
// executor. A blocked budget yields a normalized error and no ExecRequest.
func (r *Router) prepare(ctx context.Context, c Candidate, req types.Request) (ExecRequest, *budget.Result, *types.NormalizedError) {
	pc := r.cfg.Providers[c.Provider]
	execReq := ExecRequest{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    pc.BaseURL,
		Credential: c.credential.Value,
	}

	var info *budget.ModelInfo
	if md := r.meta.Metadata(ctx, c.Provider, c.Model); md != nil {
		info = &budget.ModelInfo{ContextTokens: md.ContextTokens, MaxOutputTokens: md.MaxOutputTokens}
	}

	switch v := req.(type) {
	case *types.TextRequest:
		applied := budget.Apply(budget.ApplyInput{
			System:     v.System,
			RagContext: v.RagContext,
			Messages:   v.Messages,
			Task:       types.DefaultTask(req),
			Provider:   c.Provider,
			ModelID:    c.Model,
		}, r.budgets, info)
		if !applied.OK {
			return ExecRequest{}, applied.Decision, withProvider(applied.Error, c.Provider)
		}
		execReq.System = applied.System
		execReq.RagContext = applied.RagContext
		execReq.Messages = applied.Messages
		execReq.MaxOutputTokens = outputTokens(v.MaxOutputTokens, applied.MaxOutputTokens)
		return execReq, applied.Decision, nil

	case *types.VisionRequest:
		applied := budget.Apply(budget.ApplyInput{
			System:   v.System,
			Messages: v.Messages,
			Task:     types.DefaultTask(req),
			Provider: c.Provider,
			ModelID:  c.Model,
		}, r.budgets, info)
		if !applied.OK {
			return ExecRequest{}, applied.Decision, withProvider(applied.Error, c.Provider)
		}
		execReq.System = applied.System
		execReq.Messages = applied.Messages
		execReq.MaxOutputTokens = outputTokens(v.MaxOutputTokens, applied.MaxOutputTokens)
		return execReq, applied.Decision, nil

	case *types.EmbeddingRequest:
		execReq.Input = v.Input
		return execReq, nil, nil
	}

	return execReq, nil, nil
}

func withProvider(nerr *types.NormalizedError, provider string) *types.NormalizedError {
	cp := *nerr
	cp.Provider = provider
	return &cp
}

func outputTokens(requested, budgeted int) int {
	if requested > 0 && requested < budgeted {
		return requested
	}
	return budgeted
}

func filterProvider(candidates []Candidate, provider string) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

// Resolution is what Resolve hands to callers that stream the provider
// response themselves.
type Resolution struct {
	Provider   string
	Model      string
	BaseURL    string
	Credential Credential
}

// Resolve returns the provider/model/credential Execute would pick,
// without touching health state or calling the provider.
func (r *Router) Resolve(ctx context.Context, req types.Request, projectID string) (*Resolution, *types.NormalizedError) {
	if r.cfg.Mode == ModeSingle {
		provider := req.Meta().Provider
		if provider == "" {
			provider = r.cfg.Single.Provider
		}
		model := req.Meta().Model
		if model == "" {
			model = r.cfg.Single.Model
		}
		if provider == "" || model == "" {
			return nil, types.NewError(types.ErrNoProvider, "no provider configured")
		}
		pc := r.cfg.Providers[provider]
		cred, ok := r.creds.ProviderAPIKey(ctx, provider, projectID)
		if !ok && !pc.Local {
			return nil, &types.NormalizedError{Provider: provider, Code: types.ErrAuth, Message: "no credential configured for " + provider}
		}
		return &Resolution{Provider: provider, Model: model, BaseURL: pc.BaseURL, Credential: cred}, nil
	}

	task := types.DefaultTask(req)
	policy, ok := r.cfg.Tasks[task]
	if !ok {
		return nil, types.NewError(types.ErrNoProvider, "no routing policy for task: "+string(task))
	}

	candidates := r.buildCandidates(ctx, task, req.Operation(), policy, projectID)
	if pinned := req.Meta().Provider; pinned != "" {
		candidates = filterProvider(candidates, pinned)
	}
	for _, c := range candidates {
		if !c.Eligible {
			continue
		}
		model := c.Model
		if m := req.Meta().Model; m != "" {
			model = m
		}
		return &Resolution{
			Provider:   c.Provider,
			Model:      model,
			BaseURL:    r.cfg.Providers[c.Provider].BaseURL,
			Credential: c.credential,
		}, nil
	}
	return nil, types.NewError(types.ErrNoProvidersAvailable, "no providers available: "+ineligibleSummary(candidates))
}
