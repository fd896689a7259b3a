package budget

import (
	"strings"

	"github.com/skylens/llmgate/pkg/types"
)

// TruncationMarker is appended to shortened RAG context so downstream
// prompts make the cut visible to the model.
const TruncationMarker = "\n[... context truncated ...]"

// truncateSafety shaves an extra 5% off the proportional cut so the
// estimate error cannot push the result back over budget.
const truncateSafety = 0.95

// TruncateRagContext proportionally shortens text to roughly maxTokens,
// backing off to the nearest preceding newline when one falls within the
// last 20% of the cut region, and appends the truncation marker. Text
// already within budget is returned untouched.
func TruncateRagContext(text string, maxTokens int) string {
	current := EstimateTokens(text)
	if current <= maxTokens {
		return text
	}
	if maxTokens <= 0 {
		return ""
	}

	ratio := float64(maxTokens) / float64(current) * truncateSafety
	cut := int(float64(len(text)) * ratio)
	if cut <= 0 {
		return ""
	}
	if cut > len(text) {
		cut = len(text)
	}

	// Prefer a line boundary when one is close enough to the cut point.
	if idx := strings.LastIndexByte(text[:cut], '\n'); idx >= (cut*4)/5 {
		cut = idx
	}

	return text[:cut] + TruncationMarker
}

// TruncateHistory packs messages into maxTokens greedily from newest to
// oldest. System-role messages are always retained when keepSystem is set,
// even if that alone exceeds the budget. Packing is message-granular:
// a next-oldest message that does not fit is dropped whole, along with
// everything older than it.
func TruncateHistory(messages []types.Message, maxTokens int, keepSystem bool) []types.Message {
	var system []types.Message
	var history []types.Message
	for _, m := range messages {
		if keepSystem && m.Role == "system" {
			system = append(system, m)
		} else {
			history = append(history, m)
		}
	}

	used := EstimateMessagesTokens(system)

	// Walk newest to oldest, stopping at the first message that no longer
	// fits.
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := messageOverhead + EstimateTokens(history[i].Text) + imageTokenCost*len(history[i].Images)
		if used+cost > maxTokens {
			break
		}
		used += cost
		keepFrom = i
	}

	out := make([]types.Message, 0, len(system)+len(history)-keepFrom)
	out = append(out, system...)
	out = append(out, history[keepFrom:]...)
	return out
}
