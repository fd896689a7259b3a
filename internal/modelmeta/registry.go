package modelmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylens/llmgate/internal/cache"
)

// cacheTTL bounds how long resolved entries (including live API data) are
// trusted before re-resolution.
const cacheTTL = 24 * time.Hour

// Override is a per-model user adjustment from config. It has the highest
// merge priority. Zero int fields inherit; nil prices inherit (a non-nil 0
// marks a model as free).
type Override struct {
	ContextTokens   int      `yaml:"context_tokens"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	PriceInput      *float64 `yaml:"price_input"`
	PriceOutput     *float64 `yaml:"price_output"`
}

// Registry resolves model metadata through a TTL cache: static table
// first, optionally superseded by live API data, always topped by user
// overrides.
type Registry struct {
	cache     cache.Cache
	overrides map[string]Override // keyed "provider/model"
	log       *logrus.Entry
}

func NewRegistry(c cache.Cache, overrides map[string]Override) *Registry {
	return &Registry{
		cache:     c,
		overrides: overrides,
		log:       logrus.WithField("component", "modelmeta"),
	}
}

func cacheKey(provider, modelID string) string {
	return "model:" + provider + "/" + modelID
}

// Metadata resolves (provider, modelID). Returns nil when the model is
// unknown everywhere, which callers treat as "window unknown, skip budget
// enforcement".
func (r *Registry) Metadata(ctx context.Context, provider, modelID string) *Metadata {
	if raw, ok := r.cache.Get(ctx, cacheKey(provider, modelID)); ok {
		var md Metadata
		if err := json.Unmarshal(raw, &md); err == nil {
			return &md
		}
		// Corrupt cache entry: drop it and fall through to re-resolution.
		r.cache.Delete(ctx, cacheKey(provider, modelID))
	}

	md, found := FindInMappings(modelID)
	if found {
		md.Source = "static"
	}

	if o, ok := r.overrides[provider+"/"+modelID]; ok {
		applyOverride(&md, o)
		md.Source = "override"
		found = true
	}

	if !found {
		return nil
	}

	r.store(ctx, provider, modelID, md)
	return &md
}

func applyOverride(md *Metadata, o Override) {
	if o.ContextTokens > 0 {
		md.ContextTokens = o.ContextTokens
	}
	if o.MaxOutputTokens > 0 {
		md.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.PriceInput != nil {
		md.PriceInput = *o.PriceInput
	}
	if o.PriceOutput != nil {
		md.PriceOutput = *o.PriceOutput
	}
}

func (r *Registry) store(ctx context.Context, provider, modelID string, md Metadata) {
	raw, err := json.Marshal(md)
	if err != nil {
		return
	}
	r.cache.Set(ctx, cacheKey(provider, modelID), raw, cacheTTL)
}

// apiFieldVariants lists the context-window and max-output field names
// observed across provider model APIs.
var (
	contextFieldVariants = []string{"context_length", "context_window", "max_context_length", "input_token_limit"}
	outputFieldVariants  = []string{"max_output_tokens", "max_tokens", "output_token_limit", "max_completion_tokens"}
)

// UpdateFromAPIResponse merges live model-list data into the cached entry,
// superseding static defaults for that model. User overrides still win on
// the next Metadata call because they are re-applied at read time only
// when the entry misses; API-sourced entries are written post-merge.
func (r *Registry) UpdateFromAPIResponse(ctx context.Context, provider, modelID string, payload map[string]interface{}) {
	md := Metadata{}
	if cur := r.Metadata(ctx, provider, modelID); cur != nil {
		md = *cur
	}

	if v, ok := pickInt(payload, contextFieldVariants); ok {
		md.ContextTokens = v
	}
	if v, ok := pickInt(payload, outputFieldVariants); ok {
		md.MaxOutputTokens = v
	}
	md.Source = "api"

	if o, ok := r.overrides[provider+"/"+modelID]; ok {
		applyOverride(&md, o)
	}

	r.store(ctx, provider, modelID, md)
	r.log.WithFields(logrus.Fields{
		"provider": provider,
		"model":    modelID,
		"context":  md.ContextTokens,
	}).Debug("model metadata updated from api")
}

func pickInt(payload map[string]interface{}, names []string) (int, bool) {
	for _, name := range names {
		switch v := payload[name].(type) {
		case float64:
			if v > 0 {
				return int(v), true
			}
		case int:
			if v > 0 {
				return v, true
			}
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 0 {
				return int(n), true
			}
		}
	}
	return 0, false
}

// Listing is one entry of an enriched provider model list.
type Listing struct {
	ID              string  `json:"id"`
	Label           string  `json:"label"`
	ContextTokens   int     `json:"context_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Vision          bool    `json:"vision"`
	JSONMode        bool    `json:"json_mode"`
	Embeddings      bool    `json:"embeddings"`
	PriceInput      float64 `json:"price_input"`
	PriceOutput     float64 `json:"price_output"`
	PriceDisplay    string  `json:"price_display"`
}

// EnrichModelList decorates a raw provider model-id list with windows,
// capabilities and pricing for UI consumption.
func (r *Registry) EnrichModelList(ctx context.Context, provider string, rawModels []string) []Listing {
	out := make([]Listing, 0, len(rawModels))
	for _, id := range rawModels {
		l := Listing{ID: id, Label: id}
		if md := r.Metadata(ctx, provider, id); md != nil {
			l.ContextTokens = md.ContextTokens
			l.MaxOutputTokens = md.MaxOutputTokens
			l.Vision = md.Vision
			l.JSONMode = md.JSONMode
			l.Embeddings = md.Embeddings
			l.PriceInput = md.PriceInput
			l.PriceOutput = md.PriceOutput
		}
		l.PriceDisplay = priceDisplay(l.PriceInput, l.PriceOutput)
		out = append(out, l)
	}
	return out
}

func priceDisplay(in, out float64) string {
	if in == 0 && out == 0 {
		return "free"
	}
	return fmt.Sprintf("$%.2f in / $%.2f out per 1M tokens", in, out)
}
