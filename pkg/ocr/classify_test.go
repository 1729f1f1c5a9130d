package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Kind
	}{
		{"http 429", "429 Too Many Requests", KindRateLimit},
		{"rate limit text", "Rate limit exceeded for model", KindRateLimit},
		{"provider rate limit code", "rate_limit_exceeded: slow down", KindRateLimit},
		{"too many requests", "Too many requests, retry later", KindRateLimit},
		{"unsupported base64", "400 Unsupported base64 file format", KindPermanent},
		{"unsupported format", "Unsupported file format: tiff", KindPermanent},
		{"invalid image", "Invalid image format in request", KindPermanent},
		{"batch item failure", "Failed to process some items", KindPermanent},
		{"invalid url", "400 invalid URL supplied", KindPermanent},
		{"oversized", "Image too large to process", KindPermanent},
		{"undecodable", "Unable to decode image data", KindPermanent},
		{"corrupted", "corrupted image payload", KindPermanent},
		{"server error", "500 Internal Server Error", KindTransient},
		{"gateway timeout", "504 upstream timed out", KindTransient},
		{"network", "connection reset by peer", KindTransient},
		{"empty", "", KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message))
		})
	}
}

func TestNeedsFallback(t *testing.T) {
	assert.True(t, NeedsFallback("400 Failed to download image from URL"))
	assert.True(t, NeedsFallback("ocr call failed: 400 failed to download"))

	// Both markers are required
	assert.False(t, NeedsFallback("400 Bad Request"))
	assert.False(t, NeedsFallback("failed to download after 3 attempts"))
	assert.False(t, NeedsFallback("500 Internal Server Error"))
}

func TestClassifyError_Types(t *testing.T) {
	err := classifyError("429 Too Many Requests")
	var rle *RateLimitError
	assert.ErrorAs(t, err, &rle)

	err = classifyError("Unsupported file format")
	var pe *PermanentError
	assert.ErrorAs(t, err, &pe)

	err = classifyError("503 Service Unavailable")
	assert.NotErrorAs(t, err, &rle)
	assert.NotErrorAs(t, err, &pe)
}
