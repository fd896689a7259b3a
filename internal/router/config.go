package router

import (
	"context"
	"time"

	"github.com/skylens/llmgate/pkg/types"
)

// Capabilities flags which operations a provider can serve.
type Capabilities struct {
	Text       bool `yaml:"text"`
	Vision     bool `yaml:"vision"`
	Embeddings bool `yaml:"embeddings"`
}

func (c Capabilities) Supports(op types.Operation) bool {
	switch op {
	case types.OpText:
		return c.Text
	case types.OpVision:
		return c.Vision
	case types.OpEmbeddings:
		return c.Embeddings
	}
	return false
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	BaseURL       string                        `yaml:"base_url"`
	Local         bool                          `yaml:"local"` // credential-less (e.g. ollama)
	Capabilities  Capabilities                  `yaml:"capabilities"`
	DefaultModels map[types.Operation]string    `yaml:"default_models"`
}

// TaskPolicy is the routing policy for one task type.
type TaskPolicy struct {
	Providers    []string          `yaml:"providers"` // priority order
	Models       map[string]string `yaml:"models"`    // provider → model override
	MaxAttempts  int               `yaml:"max_attempts"`
	Timeout      time.Duration     `yaml:"timeout"`
	CooldownBase time.Duration     `yaml:"cooldown_base"`
}

// Config selects the routing mode and carries per-task policies.
type Config struct {
	Mode      string                          `yaml:"mode"` // single | failover
	Single    SingleConfig                    `yaml:"single"`
	Tasks     map[types.TaskType]TaskPolicy   `yaml:"tasks"`
	Providers map[string]ProviderConfig       `yaml:"providers"`
}

type SingleConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

const (
	ModeSingle   = "single"
	ModeFailover = "failover"

	// singleModeTimeout is the fixed long timeout used when no failover
	// policy supplies one.
	singleModeTimeout = 5 * time.Minute

	defaultTaskTimeout  = 2 * time.Minute
	defaultMaxAttempts  = 3
	defaultCooldownBase = time.Minute
)

func (p TaskPolicy) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultTaskTimeout
}

func (p TaskPolicy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return defaultMaxAttempts
}

func (p TaskPolicy) cooldownBase() time.Duration {
	if p.CooldownBase > 0 {
		return p.CooldownBase
	}
	return defaultCooldownBase
}

// Credential is a resolved API key plus where it came from; "project"
// marks BYOK traffic that bypasses central billing.
type Credential struct {
	Value  string
	Source string // project | system
}

// CredentialResolver looks up the key a given project should use for a
// provider. Implementations cache: the queue calls this on every
// scheduling pass.
type CredentialResolver interface {
	ProviderAPIKey(ctx context.Context, provider, projectID string) (Credential, bool)
}

// ExecRequest is the flattened provider call handed to the executor after
// routing and budgeting.
type ExecRequest struct {
	Provider   string
	Model      string
	BaseURL    string
	Credential string

	System          string
	RagContext      string
	Messages        []types.Message
	Input           []string
	MaxOutputTokens int
}

// Executor performs the actual provider call. The real implementation
// lives in internal/llmclient; tests substitute fakes.
type Executor interface {
	GenerateText(ctx context.Context, req ExecRequest) (*types.GenerationResult, error)
	GenerateVision(ctx context.Context, req ExecRequest) (*types.GenerationResult, error)
	Embed(ctx context.Context, req ExecRequest) (*types.GenerationResult, error)
}
