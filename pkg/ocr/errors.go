package ocr

import "fmt"

// RateLimitError signals the provider is throttling. The ref is re-queued and
// the chunk backs off; rate-limit retries never count against the per-ref cap.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ocr rate limited: %s", e.Message)
}

// PermanentError signals a fault that retrying cannot fix (bad image format,
// invalid URL, oversized input). Terminal for the ref on first occurrence.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ocr permanent failure: %s", e.Message)
}
