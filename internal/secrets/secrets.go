// Package secrets resolves provider API keys. A per-project key (BYOK)
// always wins over the system-wide key; the source tag tells billing
// whether to skip metering.
package secrets

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/skylens/llmgate/internal/router"
)

const (
	SourceProject = "project"
	SourceSystem  = "system"
)

// Static serves keys from config maps, falling back to the conventional
// {PROVIDER}_API_KEY environment variable for system keys.
type Static struct {
	mu      sync.RWMutex
	system  map[string]string            // provider → key
	project map[string]map[string]string // projectID → provider → key
}

func NewStatic(system map[string]string, project map[string]map[string]string) *Static {
	if system == nil {
		system = make(map[string]string)
	}
	if project == nil {
		project = make(map[string]map[string]string)
	}
	return &Static{system: system, project: project}
}

func envKey(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}

func (s *Static) ProviderAPIKey(_ context.Context, provider, projectID string) (router.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if projectID != "" {
		if keys, ok := s.project[projectID]; ok {
			if key := keys[provider]; key != "" {
				return router.Credential{Value: key, Source: SourceProject}, true
			}
		}
	}

	if key := s.system[provider]; key != "" {
		return router.Credential{Value: key, Source: SourceSystem}, true
	}
	if key := os.Getenv(envKey(provider)); key != "" {
		return router.Credential{Value: key, Source: SourceSystem}, true
	}

	return router.Credential{}, false
}

// SetProjectKey installs or replaces one project's key for a provider.
func (s *Static) SetProjectKey(projectID, provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project[projectID] == nil {
		s.project[projectID] = make(map[string]string)
	}
	s.project[projectID][provider] = key
}
