package budget

import (
	"fmt"
	"math"

	"github.com/skylens/llmgate/pkg/types"
)

// Token estimation constants. The chars/4 heuristic with a 10% pad is a
// deliberate cheap approximation, not a tokenizer; it over- and
// under-estimates for some scripts and that is accepted.
const (
	charsPerToken    = 4
	estimatePad      = 1.1
	messageOverhead  = 4   // per-message formatting tokens
	imageTokenCost   = 170 // flat estimate per attached image
)

// Limits is the resolved token allocation for one request.
type Limits struct {
	MaxInputTokens    int `yaml:"max_input_tokens"`
	MaxOutputTokens   int `yaml:"max_output_tokens"`
	ReservedForSystem int `yaml:"reserved_for_system"`
	ReservedForRag    int `yaml:"reserved_for_rag"`
}

// Overrides are partial limits; zero fields inherit from the layer below.
type Overrides struct {
	MaxInputTokens    int `yaml:"max_input_tokens"`
	MaxOutputTokens   int `yaml:"max_output_tokens"`
	ReservedForSystem int `yaml:"reserved_for_system"`
	ReservedForRag    int `yaml:"reserved_for_rag"`
}

// Policy layers limits: global defaults, then per-task overrides, then
// per-exact-model-key overrides (key = "provider/model").
type Policy struct {
	Enforce  bool                          `yaml:"enforce"`
	Defaults Limits                        `yaml:"defaults"`
	Tasks    map[types.TaskType]Overrides  `yaml:"tasks"`
	Models   map[string]Overrides          `yaml:"models"`
}

// DefaultPolicy gives conservative allocations suitable for most chat
// models; deployments override via config.
func DefaultPolicy() Policy {
	return Policy{
		Enforce: true,
		Defaults: Limits{
			MaxInputTokens:    100000,
			MaxOutputTokens:   4096,
			ReservedForSystem: 2000,
			ReservedForRag:    6000,
		},
	}
}

// ModelInfo is the slice of model metadata the budget engine needs.
// ContextTokens == 0 means the window is unknown and enforcement is
// skipped entirely.
type ModelInfo struct {
	ContextTokens   int
	MaxOutputTokens int
}

// EstimateTokens approximates token count as ceil(len/4 * 1.1).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken * estimatePad))
}

// EstimateMessagesTokens sums per-message overhead, text estimates and a
// flat per-image cost.
func EstimateMessagesTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += EstimateTokens(m.Text)
		total += imageTokenCost * len(m.Images)
	}
	return total
}

func applyOverrides(l Limits, o Overrides) Limits {
	if o.MaxInputTokens > 0 {
		l.MaxInputTokens = o.MaxInputTokens
	}
	if o.MaxOutputTokens > 0 {
		l.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.ReservedForSystem > 0 {
		l.ReservedForSystem = o.ReservedForSystem
	}
	if o.ReservedForRag > 0 {
		l.ReservedForRag = o.ReservedForRag
	}
	return l
}

// ModelKey builds the per-model policy key.
func ModelKey(provider, modelID string) string {
	return provider + "/" + modelID
}

// EffectiveLimits merges, in ascending priority, the policy defaults, the
// per-task overrides and the per-model overrides. When enforcement is on
// and the model's window is known, the result is clamped to the window and
// to the model's stated output maximum.
func EffectiveLimits(provider, modelID string, task types.TaskType, policy Policy, info *ModelInfo) Limits {
	limits := policy.Defaults
	if o, ok := policy.Tasks[task]; ok {
		limits = applyOverrides(limits, o)
	}
	if o, ok := policy.Models[ModelKey(provider, modelID)]; ok {
		limits = applyOverrides(limits, o)
	}

	if policy.Enforce && info != nil && info.ContextTokens > 0 {
		if limits.MaxInputTokens > info.ContextTokens {
			limits.MaxInputTokens = info.ContextTokens
		}
		if info.MaxOutputTokens > 0 && limits.MaxOutputTokens > info.MaxOutputTokens {
			limits.MaxOutputTokens = info.MaxOutputTokens
		}
	}

	return limits
}

// Result is the per-request budget decision. It is recomputed on every
// call and never persisted.
type Result struct {
	SystemTokens  int
	RagTokens     int
	MessageTokens int
	Limits        Limits
	ContextTokens int

	WithinBudget    bool
	TruncateRag     bool
	TruncateHistory bool
	Blocked         bool
	BlockReason     string
	Warnings        []string
}

func (r *Result) totalInput() int {
	return r.SystemTokens + r.RagTokens + r.MessageTokens
}

// Calculate estimates the request's token footprint and decides the
// reduction strategy: first cap RAG context (regenerable, least
// disruptive), then mark history for truncation, and only if the system
// prompt alone cannot fit, block.
func Calculate(system, ragContext string, messages []types.Message, task types.TaskType, provider, modelID string, policy Policy, info *ModelInfo) *Result {
	res := &Result{
		SystemTokens:  EstimateTokens(system),
		RagTokens:     EstimateTokens(ragContext),
		MessageTokens: EstimateMessagesTokens(messages),
		Limits:        EffectiveLimits(provider, modelID, task, policy, info),
		WithinBudget:  true,
	}

	if info == nil || info.ContextTokens == 0 {
		// Unknown window: no check, no truncation, ever.
		res.Warnings = append(res.Warnings, fmt.Sprintf("context window unknown for %s/%s; budget check skipped", provider, modelID))
		return res
	}
	res.ContextTokens = info.ContextTokens

	available := info.ContextTokens - res.Limits.MaxOutputTokens
	if res.totalInput() <= available {
		return res
	}

	if !policy.Enforce {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"estimated input %d tokens exceeds available %d for %s/%s (enforcement off)",
			res.totalInput(), available, provider, modelID))
		return res
	}

	res.WithinBudget = false

	remaining := res.SystemTokens + res.MessageTokens
	ragBudget := res.RagTokens
	if res.RagTokens > res.Limits.ReservedForRag {
		res.TruncateRag = true
		ragBudget = res.Limits.ReservedForRag
	}

	if remaining+ragBudget > available {
		res.TruncateHistory = true
		if res.SystemTokens > available {
			res.Blocked = true
			res.BlockReason = fmt.Sprintf(
				"system prompt (~%d tokens) alone exceeds the %d tokens available for input on %s/%s",
				res.SystemTokens, available, provider, modelID)
		}
	}

	return res
}
