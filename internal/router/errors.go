package router

import (
	"context"
	"errors"
	"strings"

	"github.com/skylens/llmgate/pkg/types"
)

// httpStatusError is implemented by transport errors that carry an HTTP
// status (see llmclient.HTTPError). The router matches on the interface so
// it never depends on a concrete client type.
type httpStatusError interface {
	error
	HTTPStatus() int
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NormalizeError flattens any provider failure into the shared taxonomy.
// Classification order matters: the first matching class wins, so an
// upstream 401 with "rate limit" in the body still classifies as auth.
func NormalizeError(err error, provider string) *types.NormalizedError {
	var nerr *types.NormalizedError
	if errors.As(err, &nerr) {
		if nerr.Provider == "" {
			cp := *nerr
			cp.Provider = provider
			return &cp
		}
		return nerr
	}

	status := 0
	var herr httpStatusError
	if errors.As(err, &herr) {
		status = herr.HTTPStatus()
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	out := &types.NormalizedError{
		Provider:   provider,
		Message:    msg,
		StatusCode: status,
	}

	switch {
	case status == 401 || status == 403 || strings.Contains(lower, "unauthorized"):
		out.Code = types.ErrAuth
	case status == 404 || strings.Contains(lower, "model not found"):
		out.Code = types.ErrModelNotFound
	case status == 429 || strings.Contains(lower, "rate limit"):
		out.Code = types.ErrRateLimit
		out.Retryable = true
	case errors.Is(err, context.DeadlineExceeded) || containsAny(lower, "timeout", "econnreset", "etimedout"):
		out.Code = types.ErrTimeout
		out.Retryable = true
	case status >= 500 || strings.Contains(lower, "internal"):
		out.Code = types.ErrServerError
		out.Retryable = true
	case containsAny(lower, "overloaded", "capacity", "busy"):
		out.Code = types.ErrOverloaded
		out.Retryable = true
	case containsAny(lower, "quota", "billing"):
		out.Code = types.ErrQuotaExceeded
	case containsAny(lower, "invalid", "malformed") || status == 400:
		out.Code = types.ErrInvalidRequest
	default:
		out.Code = types.ErrUnknown
	}

	return out
}
