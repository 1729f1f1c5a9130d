package chunk

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the chunk worker routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	// Accept a chunk for processing
	e.POST("/process", h.Process)

	// Read-only progress snapshot
	e.GET("/status", h.Status)

	// Operator metrics
	e.GET("/metrics/chunks", h.Metrics)
}
