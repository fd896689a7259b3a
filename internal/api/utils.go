package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/pkg/types"
)

// responseStatusCode maps a resolved queue response to an HTTP status.
func responseStatusCode(resp *types.GenerateResponse) int {
	switch resp.Status {
	case types.StatusCompleted:
		return fiber.StatusOK
	case types.StatusRejected:
		return fiber.StatusPaymentRequired
	case types.StatusCancelled:
		return fiber.StatusConflict
	}

	if resp.Error != nil {
		switch resp.Error.Code {
		case types.ErrInvalidRequest:
			return fiber.StatusBadRequest
		case types.ErrNoProvider, types.ErrNoProvidersAvailable:
			return fiber.StatusServiceUnavailable
		case types.ErrRateLimit:
			return fiber.StatusTooManyRequests
		case types.ErrTimeout:
			return fiber.StatusGatewayTimeout
		}
	}
	return fiber.StatusBadGateway
}

func providerHealthView(hr *health.Registry, provider string) types.ProviderHealth {
	view := types.ProviderHealth{Provider: provider}

	entry := hr.Snapshot(provider)
	if entry == nil {
		return view
	}

	view.ConsecutiveFailures = entry.ConsecutiveFailures
	view.TotalFailures = entry.TotalFailures
	view.TotalSuccesses = entry.TotalSuccesses
	view.CooldownRemainingMs = hr.CooldownRemaining(provider).Milliseconds()
	view.LastErrorCode = string(entry.LastErrorCode)
	view.LastErrorMessage = entry.LastErrorMessage

	if !entry.LastSuccess.IsZero() {
		view.LastSuccess = entry.LastSuccess.UTC().Format(time.RFC3339)
	}
	if !entry.LastFailure.IsZero() {
		view.LastFailure = entry.LastFailure.UTC().Format(time.RFC3339)
	}
	return view
}
