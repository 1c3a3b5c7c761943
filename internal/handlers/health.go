package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/sheetpub/sheetpub/internal/models"
)

// Health handles liveness probes
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
	})
}

// Metrics serves the prometheus registry
func (h *Handler) Metrics() fiber.Handler {
	return adaptor.HTTPHandler(h.metrics.Handler())
}

// NotFound handles unknown routes
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    models.CodeNotFound,
			Message: "Route not found",
			Path:    c.Path(),
		},
	})
}
