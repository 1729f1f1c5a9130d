package chunk

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arke-institute/ocr-worker/pkg/apperror"
)

// Handler handles HTTP requests for chunk workers
type Handler struct {
	svc *Service
}

// NewHandler creates a new chunk handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Process handles POST /process
// Accepts a chunk and arms its phase engine
func (h *Handler) Process(c echo.Context) error {
	var req ProcessRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("Invalid request body")
	}

	resp, err := h.svc.Accept(c.Request().Context(), &req)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if resp.Status == "already_processing" {
		status = http.StatusConflict
	}
	return c.JSON(status, resp)
}

// Status handles GET /status
// Returns a read-only snapshot of a chunk's progress
func (h *Handler) Status(c echo.Context) error {
	key := Key{
		BatchID: c.QueryParam("batch_id"),
		ChunkID: c.QueryParam("chunk_id"),
	}

	resp, err := h.svc.Status(c.Request().Context(), key)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if resp.Status == "not_found" {
		status = http.StatusNotFound
	}
	return c.JSON(status, resp)
}

// Metrics handles GET /metrics/chunks
// Returns engine and phase counts for operators
func (h *Handler) Metrics(c echo.Context) error {
	resp, err := h.svc.Metrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
