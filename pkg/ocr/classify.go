package ocr

import "strings"

// Kind is the retry classification of a provider error
type Kind int

const (
	// KindTransient errors retry up to the per-ref cap
	KindTransient Kind = iota
	// KindRateLimit errors re-queue the ref and pause the chunk
	KindRateLimit
	// KindPermanent errors are terminal for the ref
	KindPermanent
)

// Provider errors arrive as text; classification is substring matching on the
// normalized message. Brittle by nature, so the tables live here in one place
// and are covered by unit tests.
var rateLimitPatterns = []string{
	"429",
	"rate limit",
	"too many requests",
	"rate_limit_exceeded",
}

var permanentPatterns = []string{
	"unsupported base64 file format",
	"unsupported file format",
	"invalid image format",
	"failed to process some items",
	"invalid url",
	"image too large",
	"unable to decode image",
	"corrupted image",
}

// Classify maps a provider error message to its retry kind
func Classify(message string) Kind {
	normalized := strings.ToLower(message)

	for _, p := range rateLimitPatterns {
		if strings.Contains(normalized, p) {
			return KindRateLimit
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(normalized, p) {
			return KindPermanent
		}
	}
	return KindTransient
}

// NeedsFallback reports whether the error indicates the CDN variant could not
// be fetched by the provider, in which case the bare asset URL is retried.
func NeedsFallback(message string) bool {
	normalized := strings.ToLower(message)
	return strings.Contains(normalized, "400") && strings.Contains(normalized, "failed to download")
}

// classifyError wraps a provider error message in its typed error
func classifyError(message string) error {
	switch Classify(message) {
	case KindRateLimit:
		return &RateLimitError{Message: message}
	case KindPermanent:
		return &PermanentError{Message: message}
	default:
		return &transientError{message: message}
	}
}

// transientError is the default classification; callers treat any error that
// is neither rate-limit nor permanent as transient.
type transientError struct {
	message string
}

func (e *transientError) Error() string {
	return "ocr call failed: " + e.message
}
