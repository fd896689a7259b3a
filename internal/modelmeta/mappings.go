package modelmeta

import "strings"

// Metadata describes one model's window, capabilities and pricing.
// Prices are USD per million tokens.
type Metadata struct {
	ContextTokens   int     `json:"context_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Vision          bool    `json:"vision"`
	JSONMode        bool    `json:"json_mode"`
	Embeddings      bool    `json:"embeddings"`
	PriceInput      float64 `json:"price_input"`
	PriceOutput     float64 `json:"price_output"`
	Source          string  `json:"source"` // static | api | override
}

// staticMappings is a manually maintained snapshot of published model
// specs. Pricing drifts from real provider pricing over time; treat these
// numbers as defaults, not billing truth.
var staticMappings = map[string]Metadata{
	"gpt-4o":                  {ContextTokens: 128000, MaxOutputTokens: 16384, Vision: true, JSONMode: true, PriceInput: 2.50, PriceOutput: 10.00},
	"gpt-4o-mini":             {ContextTokens: 128000, MaxOutputTokens: 16384, Vision: true, JSONMode: true, PriceInput: 0.15, PriceOutput: 0.60},
	"gpt-4.1":                 {ContextTokens: 1047576, MaxOutputTokens: 32768, Vision: true, JSONMode: true, PriceInput: 2.00, PriceOutput: 8.00},
	"gpt-4.1-mini":            {ContextTokens: 1047576, MaxOutputTokens: 32768, Vision: true, JSONMode: true, PriceInput: 0.40, PriceOutput: 1.60},
	"o3-mini":                 {ContextTokens: 200000, MaxOutputTokens: 100000, JSONMode: true, PriceInput: 1.10, PriceOutput: 4.40},
	"text-embedding-3-small":  {ContextTokens: 8191, Embeddings: true, PriceInput: 0.02},
	"text-embedding-3-large":  {ContextTokens: 8191, Embeddings: true, PriceInput: 0.13},
	"claude-3-5-sonnet":       {ContextTokens: 200000, MaxOutputTokens: 8192, Vision: true, PriceInput: 3.00, PriceOutput: 15.00},
	"claude-3-5-haiku":        {ContextTokens: 200000, MaxOutputTokens: 8192, Vision: true, PriceInput: 0.80, PriceOutput: 4.00},
	"claude-3-7-sonnet":       {ContextTokens: 200000, MaxOutputTokens: 64000, Vision: true, PriceInput: 3.00, PriceOutput: 15.00},
	"gemini-1.5-pro":          {ContextTokens: 2097152, MaxOutputTokens: 8192, Vision: true, JSONMode: true, PriceInput: 1.25, PriceOutput: 5.00},
	"gemini-1.5-flash":        {ContextTokens: 1048576, MaxOutputTokens: 8192, Vision: true, JSONMode: true, PriceInput: 0.075, PriceOutput: 0.30},
	"gemini-2.0-flash":        {ContextTokens: 1048576, MaxOutputTokens: 8192, Vision: true, JSONMode: true, PriceInput: 0.10, PriceOutput: 0.40},
	"llama-3.1-8b-instant":    {ContextTokens: 131072, MaxOutputTokens: 8192, JSONMode: true, PriceInput: 0.05, PriceOutput: 0.08},
	"llama-3.3-70b-versatile": {ContextTokens: 131072, MaxOutputTokens: 32768, JSONMode: true, PriceInput: 0.59, PriceOutput: 0.79},
	"llama3.1":                {ContextTokens: 131072, MaxOutputTokens: 4096},
	"nomic-embed-text":        {ContextTokens: 8192, Embeddings: true},
}

// FindInMappings resolves a model id against the static table. Provider
// APIs return ids with inconsistent casing and version suffixes
// ("GPT-4o-Mini", "gpt-4o-mini-2024-07-18", "llama3.1:8b"), so matching is
// deliberately tolerant: exact, then lowercase, then with any ":tag"
// version suffix stripped, then the longest prefix/suffix containment
// match, in that priority order.
func FindInMappings(modelID string) (Metadata, bool) {
	if md, ok := staticMappings[modelID]; ok {
		return md, true
	}

	lower := strings.ToLower(modelID)
	if md, ok := staticMappings[lower]; ok {
		return md, true
	}

	if idx := strings.IndexByte(lower, ':'); idx > 0 {
		stripped := lower[:idx]
		if md, ok := staticMappings[stripped]; ok {
			return md, true
		}
	}

	bestLen := 0
	var best Metadata
	for key, md := range staticMappings {
		if len(key) <= bestLen {
			continue
		}
		if strings.HasPrefix(lower, key) || strings.HasSuffix(lower, key) {
			best = md
			bestLen = len(key)
		}
	}
	if bestLen > 0 {
		return best, true
	}

	return Metadata{}, false
}

// CalculateCost prices a completed call from the static table. Unknown
// models cost 0: cost recording is best-effort and must never fail a
// request.
func CalculateCost(modelID string, inputTokens, outputTokens int) float64 {
	md, ok := FindInMappings(modelID)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*md.PriceInput + float64(outputTokens)/1e6*md.PriceOutput
}
