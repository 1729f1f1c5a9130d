// Package ocr provides the client for the OCR model provider, a
// chat-completions style API that takes an image URL and returns the text it
// contains. The package also owns the CDN variant rule and the retry
// classification of provider errors.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/arke-institute/ocr-worker/internal/config"
	"github.com/arke-institute/ocr-worker/pkg/logger"
)

// Module provides the OCR client as an fx module
var Module = fx.Module("ocr",
	fx.Provide(NewClient),
)

const extractPrompt = "Extract all text from this image."

// Client is an HTTP client for the OCR provider
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	limiter     *rate.Limiter
	log         *slog.Logger
}

// NewClient creates a new OCR provider client
func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.OCR.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OCR.RequestsPerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.OCR.Timeout,
		},
		baseURL:     strings.TrimRight(cfg.OCR.Endpoint, "/"),
		apiKey:      cfg.OCR.APIKey,
		model:       cfg.OCR.Model,
		maxTokens:   cfg.OCR.MaxTokens,
		temperature: cfg.OCR.Temperature,
		limiter:     limiter,
		log:         log.With(logger.Scope("ocr")),
	}
}

// Result is a successful extraction
type Result struct {
	Text        string
	TotalTokens int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ExtractFromCDN runs OCR on the image behind a CDN URL.
//
// The primary call uses the /medium variant when the URL matches the CDN
// asset pattern; when the provider cannot download that variant (a 400
// "failed to download" fault) the bare asset URL is retried once.
func (c *Client) ExtractFromCDN(ctx context.Context, cdnURL string) (*Result, error) {
	primary, fallback := Variants(cdnURL)

	result, err := c.Extract(ctx, primary)
	if err != nil && fallback != "" && NeedsFallback(err.Error()) {
		c.log.Debug("variant download failed, retrying on bare asset",
			slog.String("primary", primary),
			slog.String("fallback", fallback))
		return c.Extract(ctx, fallback)
	}
	return result, err
}

// Extract runs OCR on a single image URL. Errors are returned typed:
// *RateLimitError, *PermanentError, or a generic transient error.
func (c *Client) Extract(ctx context.Context, imageURL string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: extractPrompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: imageURL}},
			},
		}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts classify as transient
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &transientError{message: fmt.Sprintf("timeout after %s", time.Since(start))}
		}
		return nil, &transientError{message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{message: "read response body: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("%d %s", resp.StatusCode, providerErrorMessage(body))
		return nil, classifyError(message)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, &transientError{message: "decode response: " + err.Error()}
	}
	if len(chat.Choices) == 0 {
		return nil, &transientError{message: "provider returned no choices"}
	}

	text := chat.Choices[0].Message.Content

	c.log.Debug("extraction completed",
		slog.String("image_url", imageURL),
		slog.Int("text_length", len(text)),
		slog.Int("total_tokens", chat.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))

	return &Result{
		Text:        text,
		TotalTokens: chat.Usage.TotalTokens,
	}, nil
}

// providerErrorMessage pulls the error text out of a provider error body
func providerErrorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Code != "" {
			return errResp.Error.Code + ": " + errResp.Error.Message
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(body))
}
