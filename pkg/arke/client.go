// Package arke provides an HTTP client for the Arke content-addressed store.
//
// The store serves entity manifests, resolves entity tips, stores files by
// content ID, and appends new entity versions guarded by compare-and-swap on
// the tip.
package arke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/arke-institute/ocr-worker/internal/config"
	"github.com/arke-institute/ocr-worker/pkg/logger"
)

// Module provides the store client as an fx module
var Module = fx.Module("arke",
	fx.Provide(NewClient),
)

// TestNetworkPrefix marks PIs that live on the test network. Requests for
// such PIs carry the test-network header.
const TestNetworkPrefix = "II"

const networkHeader = "X-Arke-Network"

// Client is an HTTP client for the Arke CAS store
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

// NewClient creates a new store client
func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Store.Timeout,
		},
		baseURL: strings.TrimRight(cfg.Store.Endpoint, "/"),
		log:     log.With(logger.Scope("arke")),
	}
}

// UploadResult is the response from a file upload
type UploadResult struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// Entity is a full entity snapshot including its current component map
type Entity struct {
	ID          string            `json:"id"`
	Ver         int               `json:"ver"`
	ManifestCID string            `json:"manifest_cid"`
	Tip         string            `json:"tip"`
	Components  map[string]string `json:"components"`
}

// TipResult is the response from a tip resolution
type TipResult struct {
	ID  string `json:"id"`
	Tip string `json:"tip"`
}

// VersionResult is the response from an append_version
type VersionResult struct {
	Ver         int    `json:"ver"`
	Tip         string `json:"tip"`
	ManifestCID string `json:"manifest_cid"`
}

// Error is a non-conflict store error
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("arke store error (%d): %s", e.StatusCode, e.Message)
}

// ConflictError signals a CAS failure: the entity tip moved between the
// caller's resolve and the append.
type ConflictError struct {
	PI        string
	ExpectTip string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tip conflict for %s: expected %s", e.PI, e.ExpectTip)
}

// IsConflict reports whether err is a CAS conflict from the store
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Upload stores a blob and returns its content ID. The owning PI selects the
// network the request is routed to.
func (c *Client) Upload(ctx context.Context, pi, filename string, blob []byte) (*UploadResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return nil, fmt.Errorf("write file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setNetwork(req, pi)

	result := &UploadResult{}
	if err := c.do(req, result); err != nil {
		return nil, err
	}

	c.log.Debug("uploaded blob",
		slog.String("filename", filename),
		slog.String("cid", result.CID),
		slog.Int64("size", result.Size))

	return result, nil
}

// GetEntity fetches the entity snapshot for a PI, including its manifest
// component map.
func (c *Client) GetEntity(ctx context.Context, pi string) (*Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/entities/"+url.PathEscape(pi), nil)
	if err != nil {
		return nil, fmt.Errorf("create entity request: %w", err)
	}
	c.setNetwork(req, pi)

	entity := &Entity{}
	if err := c.do(req, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// ResolveTip returns the current tip for a PI
func (c *Client) ResolveTip(ctx context.Context, pi string) (*TipResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/entities/"+url.PathEscape(pi)+"/tip", nil)
	if err != nil {
		return nil, fmt.Errorf("create tip request: %w", err)
	}
	c.setNetwork(req, pi)

	tip := &TipResult{}
	if err := c.do(req, tip); err != nil {
		return nil, err
	}
	return tip, nil
}

// Download returns the raw bytes for a content ID. The owning PI selects the
// network the request is routed to.
func (c *Client) Download(ctx context.Context, pi, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/files/"+url.PathEscape(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	c.setNetwork(req, pi)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", cid, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, c.errorFromResponse(resp.StatusCode, body)
	}
	return body, nil
}

// appendVersionRequest is the append_version request body
type appendVersionRequest struct {
	ExpectTip  string            `json:"expect_tip"`
	Components map[string]string `json:"components"`
	Note       string            `json:"note,omitempty"`
}

// AppendVersion appends a new entity version. The store rejects the append
// with a conflict when the current tip differs from expectTip; that surfaces
// here as a *ConflictError.
func (c *Client) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*VersionResult, error) {
	payload, err := json.Marshal(appendVersionRequest{
		ExpectTip:  expectTip,
		Components: components,
		Note:       note,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/entities/"+url.PathEscape(pi)+"/versions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setNetwork(req, pi)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("append version for %s: %w", pi, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read append response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		return nil, &ConflictError{PI: pi, ExpectTip: expectTip}
	}
	if resp.StatusCode >= 400 {
		return nil, c.errorFromResponse(resp.StatusCode, body)
	}

	result := &VersionResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decode append response: %w", err)
	}

	c.log.Debug("appended version",
		slog.String("pi", pi),
		slog.Int("ver", result.Ver),
		slog.String("tip", result.Tip))

	return result, nil
}

// do sends a request and decodes a JSON body into out
func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.errorFromResponse(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.log.Debug("store call",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// errorFromResponse converts an HTTP error response to *Error
func (c *Client) errorFromResponse(statusCode int, body []byte) *Error {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	message := ""
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error
		if message == "" {
			message = errResp.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	return &Error{Message: message, StatusCode: statusCode}
}

// setNetwork adds the test-network header for reserved-prefix PIs
func (c *Client) setNetwork(req *http.Request, pi string) {
	if strings.HasPrefix(pi, TestNetworkPrefix) {
		req.Header.Set(networkHeader, "test")
	}
}
