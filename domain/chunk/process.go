package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arke-institute/ocr-worker/pkg/ocr"
	"github.com/arke-institute/ocr-worker/pkg/tracing"
)

// refOutcome is the settled result of one dispatched ref
type refOutcome struct {
	ref        Ref
	resultCID  string
	textLength int
	skipped    bool
	err        error
}

// runProcess drains one batch of pending refs. Each fire claims up to
// MAX_PARALLEL pending rows, dispatches them in parallel, waits for all to
// settle, classifies the outcomes, and decides the backoff at the batch
// boundary. When no pending refs remain the chunk moves to PUBLISHING.
func (s *Service) runProcess(ctx context.Context, state *State) (time.Duration, error) {
	key := state.Key()
	now := time.Now()

	// An open backoff window defers the whole fire
	if state.InBackoff(now) {
		return backoffWait(*state.BackoffUntil, now), nil
	}
	if state.BackoffUntil != nil {
		// Window expired; clear it but keep the error streak, which only a
		// fully clean batch resets
		if err := s.repo.SetBackoff(ctx, key, state.ConsecutiveErrors, nil); err != nil {
			return 0, err
		}
		s.repo.AppendDebug(ctx, key, "backoff window expired, resuming")
	}

	refs, err := s.repo.ClaimPending(ctx, key, s.cfg.Worker.MaxParallel)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		if err := s.repo.SetPhase(ctx, key, PhasePublishing); err != nil {
			return 0, err
		}
		s.repo.AppendDebug(ctx, key, "no pending refs, entering PUBLISHING")
		return s.cfg.Worker.AlarmInterval(), nil
	}

	outcomes := make([]refOutcome, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref Ref) {
			defer wg.Done()
			outcomes[i] = s.processOneRef(ctx, ref)
		}(i, ref)
	}
	wg.Wait()

	var completed, failed, skipped int
	hadRateLimit := false

	for _, outcome := range outcomes {
		delta, rateLimited, err := s.settleOutcome(ctx, key, outcome)
		if err != nil {
			return 0, err
		}
		completed += delta.completed
		failed += delta.failed
		skipped += delta.skipped
		hadRateLimit = hadRateLimit || rateLimited
	}

	if err := s.repo.BumpCounters(ctx, key, completed, failed, skipped); err != nil {
		return 0, err
	}

	s.log.Debug("batch settled",
		slog.String("batch_id", key.BatchID),
		slog.String("chunk_id", key.ChunkID),
		slog.Int("dispatched", len(refs)),
		slog.Int("completed", completed),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Bool("rate_limited", hadRateLimit))

	// Backoff decision is made per batch: any rate-limited ref counts as an
	// error for the whole batch, a clean batch resets the streak
	if hadRateLimit {
		streak := state.ConsecutiveErrors + 1
		until := now.Add(rateLimitDelay(streak))
		if err := s.repo.SetBackoff(ctx, key, streak, &until); err != nil {
			return 0, err
		}
		s.repo.AppendDebug(ctx, key, "rate limited, backing off until %s (streak %d)",
			until.UTC().Format(time.RFC3339), streak)
		return backoffWait(until, time.Now()), nil
	}
	if state.ConsecutiveErrors > 0 {
		if err := s.repo.SetBackoff(ctx, key, 0, nil); err != nil {
			return 0, err
		}
		s.repo.AppendDebug(ctx, key, "clean batch, backoff streak reset")
	}

	return s.cfg.Worker.AlarmInterval(), nil
}

// counterDelta carries the terminal-state increments of one outcome
type counterDelta struct {
	completed int
	failed    int
	skipped   int
}

// refDecision is the queue action chosen for a settled ref
type refDecision int

const (
	decideComplete refDecision = iota
	decideSkip
	// decideRequeueRateLimit returns the ref to pending without touching its
	// retry count: rate limits are the provider's fault, not the ref's
	decideRequeueRateLimit
	decideRequeueTransient
	decideFailPermanent
	decideFailExhausted
)

// decideOutcome classifies a settled outcome into the action for its ref
func decideOutcome(outcome refOutcome, maxRetriesPerRef int) refDecision {
	if outcome.err == nil {
		if outcome.skipped {
			return decideSkip
		}
		return decideComplete
	}

	var rateLimitErr *ocr.RateLimitError
	var permanentErr *ocr.PermanentError

	switch {
	case errors.As(outcome.err, &rateLimitErr):
		return decideRequeueRateLimit
	case errors.As(outcome.err, &permanentErr):
		return decideFailPermanent
	default:
		// Transient: retry until the per-ref budget is spent
		if outcome.ref.RetryCount+1 >= maxRetriesPerRef {
			return decideFailExhausted
		}
		return decideRequeueTransient
	}
}

// settleOutcome writes one outcome back to the refs table and returns the
// counter delta plus whether the outcome was a rate limit.
func (s *Service) settleOutcome(ctx context.Context, key Key, outcome refOutcome) (counterDelta, bool, error) {
	ref := outcome.ref

	switch decideOutcome(outcome, s.cfg.Worker.MaxRetriesPerRef) {
	case decideComplete:
		if err := s.repo.MarkRefCompleted(ctx, ref.ID, false, outcome.resultCID, outcome.textLength); err != nil {
			return counterDelta{}, false, err
		}
		return counterDelta{completed: 1}, false, nil

	case decideSkip:
		if err := s.repo.MarkRefCompleted(ctx, ref.ID, true, outcome.resultCID, outcome.textLength); err != nil {
			return counterDelta{}, false, err
		}
		return counterDelta{skipped: 1}, false, nil

	case decideRequeueRateLimit:
		if err := s.repo.RequeueRef(ctx, ref.ID, false); err != nil {
			return counterDelta{}, false, err
		}
		return counterDelta{}, true, nil

	case decideFailPermanent:
		if err := s.repo.MarkRefError(ctx, ref.ID, outcome.err.Error()); err != nil {
			return counterDelta{}, false, err
		}
		s.repo.AppendDebug(ctx, key, "ref %s/%s failed permanently: %s",
			ref.PI, ref.Filename, outcome.err.Error())
		return counterDelta{failed: 1}, false, nil

	case decideFailExhausted:
		message := fmt.Sprintf("%s (after %d retries)", outcome.err.Error(), ref.RetryCount+1)
		if err := s.repo.MarkRefError(ctx, ref.ID, message); err != nil {
			return counterDelta{}, false, err
		}
		s.repo.AppendDebug(ctx, key, "ref %s/%s exhausted retries: %s",
			ref.PI, ref.Filename, outcome.err.Error())
		return counterDelta{failed: 1}, false, nil

	default:
		if err := s.repo.RequeueRef(ctx, ref.ID, true); err != nil {
			return counterDelta{}, false, err
		}
		return counterDelta{}, false, nil
	}
}

// processOneRef performs the OCR work for a single ref.
//
// A ref whose cached document already carries ocr text is re-uploaded
// unchanged and marked skipped; otherwise the image is OCRed via the CDN
// variant rule, the text is merged into the document, and the updated
// document is uploaded to obtain the result CID.
func (s *Service) processOneRef(ctx context.Context, ref Ref) refOutcome {
	ctx, span := tracing.Start(ctx, "chunk.process_ref",
		attribute.String("ocr.pi", ref.PI),
		attribute.String("ocr.filename", ref.Filename),
	)
	defer span.End()

	outcome := refOutcome{ref: ref}

	if len(ref.RefData) == 0 {
		outcome.err = &ocr.PermanentError{Message: "cached ref document missing"}
		return outcome
	}

	var doc map[string]any
	if err := json.Unmarshal(ref.RefData, &doc); err != nil {
		outcome.err = &ocr.PermanentError{Message: "cached ref document unparsable: " + err.Error()}
		return outcome
	}

	if existing, ok := doc["ocr"].(string); ok && existing != "" {
		// Already extracted, likely by an earlier batch; re-upload unchanged
		// so the publish still gets a component CID
		upload, err := s.store.Upload(ctx, ref.PI, ref.Filename, ref.RefData)
		if err != nil {
			outcome.err = fmt.Errorf("re-upload ref document: %w", err)
			return outcome
		}
		outcome.resultCID = upload.CID
		outcome.textLength = len(existing)
		outcome.skipped = true
		return outcome
	}

	result, err := s.extractor.ExtractFromCDN(ctx, ref.CDNURL)
	if err != nil {
		outcome.err = err
		return outcome
	}

	doc["ocr"] = result.Text
	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		outcome.err = fmt.Errorf("serialize ref document: %w", err)
		return outcome
	}

	upload, err := s.store.Upload(ctx, ref.PI, ref.Filename, blob)
	if err != nil {
		outcome.err = fmt.Errorf("upload ref document: %w", err)
		return outcome
	}

	outcome.resultCID = upload.CID
	outcome.textLength = len(result.Text)
	return outcome
}
