package secrets

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skylens/llmgate/internal/cache"
	"github.com/skylens/llmgate/internal/router"
)

// resolveTTL bounds how stale a cached credential resolution may be. The
// scheduler resolves on every pass; without this the store would see a
// lookup per scheduled item.
const resolveTTL = 60 * time.Second

type cachedCredential struct {
	Value  string `json:"value"`
	Source string `json:"source"`
	Found  bool   `json:"found"`
}

// CachingResolver memoizes credential lookups, misses included.
// Credentials never leave process memory: back this with the in-memory
// cache only, never redis.
type CachingResolver struct {
	inner router.CredentialResolver
	cache cache.Cache
}

func NewCachingResolver(inner router.CredentialResolver, c cache.Cache) *CachingResolver {
	return &CachingResolver{inner: inner, cache: c}
}

func cacheKey(provider, projectID string) string {
	return "cred:" + projectID + ":" + provider
}

func (r *CachingResolver) ProviderAPIKey(ctx context.Context, provider, projectID string) (router.Credential, bool) {
	key := cacheKey(provider, projectID)

	if raw, ok := r.cache.Get(ctx, key); ok {
		var cc cachedCredential
		if err := json.Unmarshal(raw, &cc); err == nil {
			return router.Credential{Value: cc.Value, Source: cc.Source}, cc.Found
		}
	}

	cred, found := r.inner.ProviderAPIKey(ctx, provider, projectID)

	raw, err := json.Marshal(cachedCredential{Value: cred.Value, Source: cred.Source, Found: found})
	if err == nil {
		r.cache.Set(ctx, key, raw, resolveTTL)
	}

	return cred, found
}

// Invalidate drops one cached resolution, for key rotation.
func (r *CachingResolver) Invalidate(ctx context.Context, provider, projectID string) {
	r.cache.Delete(ctx, cacheKey(provider, projectID))
}
