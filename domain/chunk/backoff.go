package chunk

import (
	"math"
	"math/rand"
	"time"
)

// Rate-limit backoff tuning. The window doubles per consecutive error up to
// 2^5 (32 s base), is capped at 60 s, and carries symmetric ±25% jitter so
// parallel chunks do not thunder back in lockstep.
const (
	backoffBaseMs     = 1000
	backoffMaxDouble  = 5
	backoffCapMs      = 60_000
	backoffJitterFrac = 0.25
)

// rateLimitDelay computes the backoff window for the k-th consecutive
// rate-limit error (k >= 1), jitter included.
func rateLimitDelay(consecutiveErrors int) time.Duration {
	exp := consecutiveErrors - 1
	if exp < 0 {
		exp = 0
	}
	if exp > backoffMaxDouble {
		exp = backoffMaxDouble
	}

	base := float64(int(backoffBaseMs) << exp)
	if base > backoffCapMs {
		base = backoffCapMs
	}

	jitter := 1 + (rand.Float64()*2-1)*backoffJitterFrac
	return time.Duration(math.Round(base*jitter)) * time.Millisecond
}

// backoffWait computes the re-entry cadence while a backoff window is open:
// shortly past the deadline, but never sleeping more than 5 s so /status
// stays fresh and an externally cleared window is noticed.
func backoffWait(until, now time.Time) time.Duration {
	wait := until.Sub(now) + 100*time.Millisecond
	if wait > 5*time.Second {
		wait = 5 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// globalRetryDelay computes the exponential pause after a timer-level error:
// min(60 s, 1 s · 2^retry).
func globalRetryDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	ms := int64(1000) << uint(retry)
	if ms > backoffCapMs || ms <= 0 {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}
