package budget

import (
	"github.com/skylens/llmgate/pkg/types"
)

// ApplyInput bundles the request pieces the budget engine allocates
// across.
type ApplyInput struct {
	System     string
	RagContext string
	Messages   []types.Message
	Task       types.TaskType
	Provider   string
	ModelID    string
}

// ApplyResult carries the possibly-shortened request back to the caller.
// Inputs are never mutated; truncated fields are fresh copies.
type ApplyResult struct {
	OK    bool
	Error *types.NormalizedError

	System          string
	RagContext      string
	Messages        []types.Message
	MaxOutputTokens int

	Decision *Result
}

// Apply runs calculate → truncate RAG → truncate history. A request whose
// system prompt alone cannot fit is blocked and must not reach execution.
func Apply(in ApplyInput, policy Policy, info *ModelInfo) *ApplyResult {
	decision := Calculate(in.System, in.RagContext, in.Messages, in.Task, in.Provider, in.ModelID, policy, info)

	out := &ApplyResult{
		OK:              true,
		System:          in.System,
		RagContext:      in.RagContext,
		Messages:        in.Messages,
		MaxOutputTokens: decision.Limits.MaxOutputTokens,
		Decision:        decision,
	}

	if decision.Blocked {
		out.OK = false
		out.Error = &types.NormalizedError{
			Code:    types.ErrInvalidRequest,
			Message: decision.BlockReason,
		}
		return out
	}

	if decision.TruncateRag {
		out.RagContext = TruncateRagContext(in.RagContext, decision.Limits.ReservedForRag)
	}

	if decision.TruncateHistory {
		available := decision.ContextTokens - decision.Limits.MaxOutputTokens
		historyBudget := available - decision.SystemTokens - EstimateTokens(out.RagContext)
		if historyBudget < 0 {
			historyBudget = 0
		}
		out.Messages = TruncateHistory(in.Messages, historyBudget, true)
	}

	return out
}
