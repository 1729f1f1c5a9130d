package apperror

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(method string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "response must carry an error object")
	return errObj
}

func TestHTTPErrorHandler_AppError(t *testing.T) {
	handler := HTTPErrorHandler(slog.Default())
	c, rec := newTestContext(http.MethodGet)

	handler(ErrNotFound.WithMessage("Chunk not found"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	errObj := decodeError(t, rec)
	assert.Equal(t, "not_found", errObj["code"])
	assert.Equal(t, "Chunk not found", errObj["message"])
}

func TestHTTPErrorHandler_EchoHTTPError(t *testing.T) {
	handler := HTTPErrorHandler(slog.Default())
	c, rec := newTestContext(http.MethodGet)

	handler(echo.NewHTTPError(http.StatusBadRequest, "malformed body"), c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeError(t, rec)
	assert.Equal(t, "bad_request", errObj["code"])
	assert.Equal(t, "malformed body", errObj["message"])
}

func TestHTTPErrorHandler_UnknownError(t *testing.T) {
	handler := HTTPErrorHandler(slog.Default())
	c, rec := newTestContext(http.MethodGet)

	handler(errors.New("something broke"), c)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	errObj := decodeError(t, rec)
	assert.Equal(t, "internal_error", errObj["code"])
	// Internal detail must not leak
	assert.NotContains(t, errObj["message"], "something broke")
}

func TestHTTPErrorHandler_HeadRequest(t *testing.T) {
	handler := HTTPErrorHandler(slog.Default())
	c, rec := newTestContext(http.MethodHead)

	handler(ErrNotFound, c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestHTTPErrorHandler_CommittedResponse(t *testing.T) {
	handler := HTTPErrorHandler(slog.Default())
	c, rec := newTestContext(http.MethodGet)

	require.NoError(t, c.JSON(http.StatusOK, map[string]string{"status": "accepted"}))
	handler(ErrInternal, c)

	// Handler must not overwrite an already committed response
	assert.Equal(t, http.StatusOK, rec.Code)
}
