package types

// Operation selects which provider capability a request exercises.
type Operation string

const (
	OpText       Operation = "text"
	OpVision     Operation = "vision"
	OpEmbeddings Operation = "embeddings"
)

// TaskType selects a routing/budget policy. Chat and processing share the
// text operation but may route to different providers.
type TaskType string

const (
	TaskChat       TaskType = "chat"
	TaskProcessing TaskType = "processing"
	TaskEmbeddings TaskType = "embeddings"
)

// Priority orders queue admission; lower values dispatch first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	PriorityBatch
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	}
	return "normal"
}

// ParsePriority maps the wire name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "batch":
		return PriorityBatch
	default:
		return PriorityNormal
	}
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusRejected   RequestStatus = "rejected"
)

// Terminal reports whether a status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Message is one turn of conversation history. Images holds URLs or data
// URIs attached to the turn; each costs a flat token estimate.
type Message struct {
	Role   string   `json:"role"`
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// RequestMeta carries the fields common to every request kind.
type RequestMeta struct {
	Provider  string   `json:"provider,omitempty"` // explicit provider, empty = routed
	Model     string   `json:"model,omitempty"`    // explicit model, empty = policy default
	Task      TaskType `json:"task,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Context   string   `json:"context,omitempty"` // free-form label for audit/billing
}

// Request is the tagged union of the three request kinds. The queue and
// router only ever inspect it through Operation and Meta.
type Request interface {
	Operation() Operation
	Meta() *RequestMeta
}

type TextRequest struct {
	RequestMeta
	System          string    `json:"system,omitempty"`
	RagContext      string    `json:"rag_context,omitempty"`
	Messages        []Message `json:"messages"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

func (r *TextRequest) Operation() Operation { return OpText }
func (r *TextRequest) Meta() *RequestMeta   { return &r.RequestMeta }

type VisionRequest struct {
	RequestMeta
	System          string    `json:"system,omitempty"`
	Messages        []Message `json:"messages"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

func (r *VisionRequest) Operation() Operation { return OpVision }
func (r *VisionRequest) Meta() *RequestMeta   { return &r.RequestMeta }

type EmbeddingRequest struct {
	RequestMeta
	Input []string `json:"input"`
}

func (r *EmbeddingRequest) Operation() Operation { return OpEmbeddings }
func (r *EmbeddingRequest) Meta() *RequestMeta   { return &r.RequestMeta }

// DefaultTask resolves the routing task for a request whose meta leaves it
// unset.
func DefaultTask(r Request) TaskType {
	if r.Meta().Task != "" {
		return r.Meta().Task
	}
	if r.Operation() == OpEmbeddings {
		return TaskEmbeddings
	}
	return TaskChat
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// GenerationResult is what a successful provider call produces.
type GenerationResult struct {
	Text       string      `json:"text,omitempty"`
	Embeddings [][]float64 `json:"embeddings,omitempty"`
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Usage      TokenUsage  `json:"usage"`
}
