package types

// ErrorCode is the normalized failure taxonomy. Provider-specific error
// shapes never cross the router boundary; everything upstream sees one of
// these codes.
type ErrorCode string

const (
	ErrAuth                 ErrorCode = "auth"
	ErrModelNotFound        ErrorCode = "model_not_found"
	ErrRateLimit            ErrorCode = "rate_limit"
	ErrTimeout              ErrorCode = "timeout"
	ErrServerError          ErrorCode = "server_error"
	ErrOverloaded           ErrorCode = "overloaded"
	ErrQuotaExceeded        ErrorCode = "quota_exceeded"
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrInsufficientBalance  ErrorCode = "insufficient_balance"
	ErrNoProvider           ErrorCode = "no_provider"
	ErrNoProvidersAvailable ErrorCode = "no_providers_available"
	ErrAllProvidersFailed   ErrorCode = "all_providers_failed"
	ErrQueueFull            ErrorCode = "queue_full"
	ErrCancelled            ErrorCode = "cancelled"
	ErrUnknown              ErrorCode = "unknown"
)

// NormalizedError is the uniform failure record attached to results. It
// implements error so callers can surface it directly.
type NormalizedError struct {
	Provider   string    `json:"provider,omitempty"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
}

func (e *NormalizedError) Error() string {
	if e.Provider != "" {
		return string(e.Code) + " (" + e.Provider + "): " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

// NewError builds a non-retryable NormalizedError with no provider
// attribution.
func NewError(code ErrorCode, message string) *NormalizedError {
	return &NormalizedError{Code: code, Message: message}
}

// RouteAttempt records one provider try inside a routed execution.
type RouteAttempt struct {
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Error      *NormalizedError `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// RouteInfo is the routing diagnostics block returned on every routed
// execution, success or failure.
type RouteInfo struct {
	Mode     string         `json:"mode"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Attempts []RouteAttempt `json:"attempts,omitempty"`
}
