package types

type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}

// GenerateResponse is returned once a queued request resolves.
type GenerateResponse struct {
	ID      string            `json:"id"`
	Status  RequestStatus     `json:"status"`
	Result  *GenerationResult `json:"result,omitempty"`
	Error   *NormalizedError  `json:"error,omitempty"`
	Routing *RouteInfo        `json:"routing,omitempty"`
	CostUSD float64           `json:"cost_usd,omitempty"`
}

// QueueStats is the live in-memory counter surface.
type QueueStats struct {
	Processed        int64   `json:"processed"`
	Failed           int64   `json:"failed"`
	Cancelled        int64   `json:"cancelled"`
	Rejected         int64   `json:"rejected"`
	Retried          int64   `json:"retried"`
	AvgWaitMs        float64 `json:"avg_wait_ms"`
	AvgProcessingMs  float64 `json:"avg_processing_ms"`
	MaxConcurrency   int     `json:"max_concurrency"`
	CurrentDepth     int     `json:"current_depth"`
	CurrentInFlight  int     `json:"current_in_flight"`
	Paused           bool    `json:"paused"`
	StorageAvailable bool    `json:"storage_available"`
}

// StoreStatus is the persisted-store counter block merged into queue
// status when durable storage is configured.
type StoreStatus struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	RetryPending        int     `json:"retry_pending"`
	CompletedToday      int     `json:"completed_today"`
	FailedToday         int     `json:"failed_today"`
	AvgProcessingMs     float64 `json:"avg_processing_ms"`
	TotalCostTodayUSD   float64 `json:"total_cost_today_usd"`
}

// ProcessingItem describes one in-flight request for diagnostics.
type ProcessingItem struct {
	ID             string        `json:"id"`
	Operation      Operation     `json:"operation"`
	Priority       string        `json:"priority"`
	ProjectID      string        `json:"project_id,omitempty"`
	ConcurrencyKey string        `json:"concurrency_key"`
	StartedAt      string        `json:"started_at"`
	Status         RequestStatus `json:"status"`
}

type QueueStatusResponse struct {
	Depth      int              `json:"depth"`
	Processing []ProcessingItem `json:"processing"`
	Stats      QueueStats       `json:"stats"`
	Store      *StoreStatus     `json:"store,omitempty"`
}

// ProviderHealth is the read-only health registry view.
type ProviderHealth struct {
	Provider            string `json:"provider"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalFailures       int64  `json:"total_failures"`
	TotalSuccesses      int64  `json:"total_successes"`
	LastSuccess         string `json:"last_success,omitempty"`
	LastFailure         string `json:"last_failure,omitempty"`
	CooldownRemainingMs int64  `json:"cooldown_remaining_ms"`
	LastErrorCode       string `json:"last_error_code,omitempty"`
	LastErrorMessage    string `json:"last_error_message,omitempty"`
}

type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

type ClearResponse struct {
	Cancelled int `json:"cancelled"`
}
