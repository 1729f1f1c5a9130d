package arke

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		log:        slog.Default(),
	}
}

func TestClient_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/files", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		body, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "img.jpg.ref.json", header.Filename)
		assert.Equal(t, `{"url":"https://cdn.example.com/a"}`, string(body))

		json.NewEncoder(w).Encode(UploadResult{CID: "bafyabc", Size: int64(len(body))})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Upload(context.Background(), "PX1", "img.jpg.ref.json",
		[]byte(`{"url":"https://cdn.example.com/a"}`))

	require.NoError(t, err)
	assert.Equal(t, "bafyabc", result.CID)
	assert.Equal(t, int64(34), result.Size)
}

func TestClient_GetEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/entities/PX1", r.URL.Path)
		json.NewEncoder(w).Encode(Entity{
			ID:          "PX1",
			Ver:         3,
			ManifestCID: "bafyman",
			Tip:         "bafytip",
			Components: map[string]string{
				"img.jpg.ref.json": "bafyref",
				"meta.json":        "bafymeta",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	entity, err := c.GetEntity(context.Background(), "PX1")

	require.NoError(t, err)
	assert.Equal(t, "PX1", entity.ID)
	assert.Equal(t, 3, entity.Ver)
	assert.Equal(t, "bafytip", entity.Tip)
	assert.Equal(t, "bafyref", entity.Components["img.jpg.ref.json"])
}

func TestClient_ResolveTip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/entities/PX1/tip", r.URL.Path)
		json.NewEncoder(w).Encode(TipResult{ID: "PX1", Tip: "bafytip2"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tip, err := c.ResolveTip(context.Background(), "PX1")

	require.NoError(t, err)
	assert.Equal(t, "bafytip2", tip.Tip)
}

func TestClient_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/bafyref", r.URL.Path)
		w.Write([]byte(`{"url":"https://cdn.example.com/a"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.Download(context.Background(), "PX1", "bafyref")

	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://cdn.example.com/a"}`, string(body))
}

func TestClient_Download_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such cid"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Download(context.Background(), "PX1", "missing")

	require.Error(t, err)
	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, http.StatusNotFound, storeErr.StatusCode)
	assert.Equal(t, "no such cid", storeErr.Message)
}

func TestClient_AppendVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/entities/PX1/versions", r.URL.Path)

		var req appendVersionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bafytip", req.ExpectTip)
		assert.Equal(t, "bafyresult", req.Components["img.jpg.ref.json"])
		assert.NotEmpty(t, req.Note)

		json.NewEncoder(w).Encode(VersionResult{Ver: 4, Tip: "bafytip3", ManifestCID: "bafyman2"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.AppendVersion(context.Background(), "PX1", "bafytip",
		map[string]string{"img.jpg.ref.json": "bafyresult"}, "OCR results")

	require.NoError(t, err)
	assert.Equal(t, 4, result.Ver)
	assert.Equal(t, "bafytip3", result.Tip)
}

func TestClient_AppendVersion_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"tip mismatch"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.AppendVersion(context.Background(), "PX1", "stale",
		map[string]string{"a.ref.json": "bafyx"}, "note")

	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "PX1", conflict.PI)
	assert.Equal(t, "stale", conflict.ExpectTip)
}

func TestClient_TestNetworkHeader(t *testing.T) {
	tests := []struct {
		name       string
		pi         string
		wantHeader string
	}{
		{"reserved prefix routes to test network", "II-02BCDEF", "test"},
		{"production PI carries no header", "01-ABCDEF", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotHeader string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotHeader = r.Header.Get("X-Arke-Network")
				json.NewEncoder(w).Encode(TipResult{ID: tt.pi, Tip: "bafytip"})
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			_, err := c.ResolveTip(context.Background(), tt.pi)

			require.NoError(t, err)
			assert.Equal(t, tt.wantHeader, gotHeader)
		})
	}
}

func TestIsConflict_OtherErrors(t *testing.T) {
	assert.False(t, IsConflict(nil))
	assert.False(t, IsConflict(&Error{Message: "boom", StatusCode: 500}))
}
