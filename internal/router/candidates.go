package router

import (
	"context"
	"fmt"

	"github.com/skylens/llmgate/pkg/types"
)

// Candidate is one provider the failover loop may try. Ephemeral: computed
// per request and never persisted.
type Candidate struct {
	Provider string
	Model    string
	Eligible bool
	Reason   string // why ineligible

	credential Credential
}

// checkEligibility applies the three gate checks: a credential must exist
// (local providers exempt), the provider must support the operation, and
// the provider must not be cooling down.
func (r *Router) checkEligibility(ctx context.Context, provider string, op types.Operation, pc ProviderConfig, projectID string) (Credential, string) {
	cred, ok := r.creds.ProviderAPIKey(ctx, provider, projectID)
	if !ok && !pc.Local {
		return Credential{}, "no credential configured"
	}

	if !pc.Capabilities.Supports(op) {
		return Credential{}, fmt.Sprintf("no %s capability", op)
	}

	if remaining := r.health.CooldownRemaining(provider); remaining > 0 {
		return Credential{}, fmt.Sprintf("in cooldown (%s remaining)", remaining.Round(1e9))
	}

	return cred, ""
}

// resolveModel picks the model for a provider in priority order: the
// task's model-map override, then the provider's default for the
// operation.
func resolveModel(policy TaskPolicy, pc ProviderConfig, provider string, op types.Operation) string {
	if m, ok := policy.Models[provider]; ok && m != "" {
		return m
	}
	return pc.DefaultModels[op]
}

// buildCandidates walks the task policy's priority-ordered provider list,
// annotating each with eligibility and its resolved model. Eligible
// candidates are then health-sorted; the sort is stable so policy priority
// remains the tiebreak among equally healthy providers.
func (r *Router) buildCandidates(ctx context.Context, task types.TaskType, op types.Operation, policy TaskPolicy, projectID string) []Candidate {
	byProvider := make(map[string]Candidate, len(policy.Providers))
	order := make([]string, 0, len(policy.Providers))

	for _, provider := range policy.Providers {
		pc, ok := r.cfg.Providers[provider]
		if !ok {
			byProvider[provider] = Candidate{Provider: provider, Reason: "provider not configured"}
			order = append(order, provider)
			continue
		}

		c := Candidate{
			Provider: provider,
			Model:    resolveModel(policy, pc, provider, op),
		}
		cred, reason := r.checkEligibility(ctx, provider, op, pc, projectID)
		if reason != "" {
			c.Reason = reason
		} else if c.Model == "" {
			c.Reason = "no model configured for " + string(op)
		} else {
			c.Eligible = true
			c.credential = cred
		}

		byProvider[provider] = c
		order = append(order, provider)
	}

	sorted := r.health.SortByHealth(order)

	out := make([]Candidate, 0, len(sorted))
	for _, provider := range sorted {
		out = append(out, byProvider[provider])
	}
	return out
}

func ineligibleSummary(candidates []Candidate) string {
	s := ""
	for _, c := range candidates {
		if c.Eligible {
			continue
		}
		if s != "" {
			s += "; "
		}
		s += c.Provider + ": " + c.Reason
	}
	if s == "" {
		s = "no providers configured for task"
	}
	return s
}
