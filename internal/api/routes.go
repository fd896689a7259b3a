package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/skylens/llmgate/internal/health"
	"github.com/skylens/llmgate/internal/queue"
)

func SetupRoutes(app *fiber.App, q *queue.Queue, hr *health.Registry, providers []string) {
	h := NewHandler(q, hr, providers)

	v1 := app.Group("/v1")

	v1.Post("/generate/text", h.GenerateText)
	v1.Post("/generate/vision", h.GenerateVision)
	v1.Post("/embeddings", h.Embeddings)

	v1.Get("/requests/:id", h.GetRequest)
	v1.Delete("/requests/:id", h.CancelRequest)

	v1.Get("/queue", h.QueueStatus)
	v1.Get("/queue/stats", h.QueueStats)
	v1.Get("/queue/history", h.QueueHistory)
	v1.Post("/queue/pause", h.PauseQueue)
	v1.Post("/queue/resume", h.ResumeQueue)
	v1.Delete("/queue", h.ClearQueue)

	v1.Get("/providers/health", h.ProviderHealth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
