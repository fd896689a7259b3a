package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/queue"
	"github.com/skylens/llmgate/pkg/types"
)

type Handler struct {
	queue     *queue.Queue
	health    *health.Registry
	providers []string
}

func NewHandler(q *queue.Queue, hr *health.Registry, providers []string) *Handler {
	return &Handler{
		queue:     q,
		health:    hr,
		providers: providers,
	}
}

// GenerateText handles POST /v1/generate/text
func (h *Handler) GenerateText(c *fiber.Ctx) error {
	var req types.TextRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Messages are required"})
	}
	return h.enqueue(c, &req)
}

// GenerateVision handles POST /v1/generate/vision
func (h *Handler) GenerateVision(c *fiber.Ctx) error {
	var req types.VisionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Messages are required"})
	}
	return h.enqueue(c, &req)
}

// Embeddings handles POST /v1/embeddings
func (h *Handler) Embeddings(c *fiber.Ctx) error {
	var req types.EmbeddingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if len(req.Input) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Input is required"})
	}
	return h.enqueue(c, &req)
}

// enqueue admits the request and holds the connection open until it
// resolves. Clients that disconnect get their ticket id back via the
// request lookup endpoint.
func (h *Handler) enqueue(c *fiber.Ctx, req types.Request) error {
	priority := types.ParsePriority(c.Query("priority", c.Get("X-Priority")))

	ticket, err := h.queue.Enqueue(c.Context(), req, priority)
	if err != nil {
		var nerr *types.NormalizedError
		if errors.As(err, &nerr) {
			switch nerr.Code {
			case types.ErrQueueFull:
				return c.Status(fiber.StatusTooManyRequests).JSON(types.ErrorResponse{Error: nerr.Message, Code: nerr.Code})
			case types.ErrCancelled:
				return c.Status(fiber.StatusServiceUnavailable).JSON(types.ErrorResponse{Error: nerr.Message, Code: nerr.Code})
			}
		}
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to queue request"})
	}

	select {
	case resp := <-ticket.Done:
		return c.Status(responseStatusCode(resp)).JSON(resp)
	case <-c.Context().Done():
		return c.Status(fiber.StatusAccepted).JSON(types.GenerateResponse{
			ID:     ticket.ID,
			Status: types.StatusPending,
		})
	}
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "ID is required"})
	}

	info, ok := h.queue.Lookup(c.Context(), id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Request not found"})
	}
	return c.JSON(info)
}

// CancelRequest handles DELETE /v1/requests/:id
func (h *Handler) CancelRequest(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "ID is required"})
	}

	cancelled := h.queue.Cancel(c.Context(), id)
	return c.JSON(types.CancelResponse{ID: id, Cancelled: cancelled})
}

// QueueStatus handles GET /v1/queue
func (h *Handler) QueueStatus(c *fiber.Ctx) error {
	return c.JSON(h.queue.Status(c.Context()))
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(c *fiber.Ctx) error {
	return c.JSON(h.queue.Stats())
}

// QueueHistory handles GET /v1/queue/history
func (h *Handler) QueueHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	return c.JSON(h.queue.History(limit))
}

// PauseQueue handles POST /v1/queue/pause
func (h *Handler) PauseQueue(c *fiber.Ctx) error {
	h.queue.Pause()
	return c.JSON(fiber.Map{"paused": true})
}

// ResumeQueue handles POST /v1/queue/resume
func (h *Handler) ResumeQueue(c *fiber.Ctx) error {
	h.queue.Resume()
	return c.JSON(fiber.Map{"paused": false})
}

// ClearQueue handles DELETE /v1/queue
func (h *Handler) ClearQueue(c *fiber.Ctx) error {
	projectID := c.Query("project_id")
	cancelled := h.queue.Clear(c.Context(), projectID)
	return c.JSON(types.ClearResponse{Cancelled: cancelled})
}

// ProviderHealth handles GET /v1/providers/health
func (h *Handler) ProviderHealth(c *fiber.Ctx) error {
	out := make([]types.ProviderHealth, 0, len(h.providers))
	for _, provider := range h.providers {
		out = append(out, providerHealthView(h.health, provider))
	}
	return c.JSON(out)
}
