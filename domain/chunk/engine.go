package chunk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arke-institute/ocr-worker/pkg/logger"
	"github.com/arke-institute/ocr-worker/pkg/tracing"
)

// Engine drives one chunk through its phases. A single outstanding timer
// re-enters fire(); the mutex guarantees at most one fire in flight, so the
// chunk is cooperatively single-threaded. Every fire reads state before
// acting, which makes missed or duplicated fires harmless.
type Engine struct {
	key Key
	svc *Service
	log *slog.Logger

	// fireMu serializes fires against each other
	fireMu sync.Mutex

	// timerMu guards the timer and stop flag
	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool

	// callbackAttempts counts delivery tries for the current terminal state.
	// In-memory only: a restart resets the budget, which at-least-once
	// delivery tolerates.
	callbackAttempts int
}

func newEngine(key Key, svc *Service) *Engine {
	return &Engine{
		key: key,
		svc: svc,
		log: svc.log.With(
			logger.Scope("chunk.engine"),
			slog.String("batch_id", key.BatchID),
			slog.String("chunk_id", key.ChunkID),
		),
	}
}

// schedule arms the timer; the most recent schedule wins
func (e *Engine) schedule(delay time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stopped {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, e.fire)
}

// stop cancels the timer permanently
func (e *Engine) stop() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
}

// fire executes one bounded slice of phase work and schedules the next fire
func (e *Engine) fire() {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()

	e.timerMu.Lock()
	stopped := e.stopped
	e.timerMu.Unlock()
	if stopped {
		return
	}

	ctx, span := tracing.Start(context.Background(), "chunk.fire",
		attribute.String("ocr.batch_id", e.key.BatchID),
		attribute.String("ocr.chunk_id", e.key.ChunkID),
	)
	defer span.End()

	state, err := e.svc.repo.GetState(ctx, e.key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Likely a transient DB fault; try again without consuming the
		// global retry budget, which is persisted in the row we cannot read
		e.schedule(globalRetryDelay(1))
		return
	}
	if state == nil {
		// Rows are gone: the chunk was cleaned up
		e.log.Debug("chunk state gone, releasing engine")
		e.release()
		return
	}
	span.SetAttributes(attribute.String("ocr.phase", state.Phase))

	var delay time.Duration
	switch state.Phase {
	case PhaseFetching:
		delay, err = e.svc.runFetch(ctx, state)
	case PhaseProcessing:
		delay, err = e.svc.runProcess(ctx, state)
	case PhasePublishing:
		delay, err = e.svc.runPublish(ctx, state)
	case PhaseDone, PhaseError:
		e.deliverCallback(ctx, state)
		return
	default:
		e.log.Error("unknown phase", slog.String("phase", state.Phase))
		e.release()
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.handleGlobalError(ctx, state, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	e.schedule(delay)
}

// handleGlobalError absorbs a timer-level failure: reschedule with
// exponential backoff until the global retry budget is spent, then enter
// ERROR and let the next fire deliver the error callback.
func (e *Engine) handleGlobalError(ctx context.Context, state *State, cause error) {
	retry := state.GlobalRetryCount + 1

	if err := e.svc.repo.SetGlobalError(ctx, e.key, cause.Error(), retry); err != nil {
		e.log.Error("failed to persist global error", logger.Error(err))
	}

	if retry > e.svc.cfg.Worker.MaxGlobalRetries {
		e.log.Error("global retries exhausted, chunk entering ERROR",
			slog.Int("retries", retry-1),
			logger.Error(cause))
		e.svc.repo.AppendDebug(ctx, e.key, "global retries exhausted: %s", cause.Error())
		if err := e.svc.repo.SetPhase(ctx, e.key, PhaseError); err != nil {
			e.log.Error("failed to enter ERROR phase", logger.Error(err))
		}
		e.schedule(e.svc.cfg.Worker.AlarmInterval())
		return
	}

	delay := globalRetryDelay(retry)
	e.log.Warn("fire failed, backing off",
		slog.Int("global_retry", retry),
		slog.Duration("delay", delay),
		logger.Error(cause))
	e.svc.repo.AppendDebug(ctx, e.key, "fire failed (retry %d): %s", retry, cause.Error())
	e.schedule(delay)
}

// deliverCallback runs the terminal callback flow. Success wipes the chunk's
// rows; exhausting the retry budget preserves them for operator inspection
// and orchestrator rediscovery.
func (e *Engine) deliverCallback(ctx context.Context, state *State) {
	e.callbackAttempts++

	err := e.svc.runCallback(ctx, state)
	if err == nil {
		if cleanupErr := e.svc.repo.Cleanup(ctx, e.key); cleanupErr != nil {
			e.log.Error("failed to clean up chunk after callback", logger.Error(cleanupErr))
			// Rows linger; a later /process for this chunk clears them
		}
		e.log.Info("callback delivered, chunk finished",
			slog.String("phase", state.Phase),
			slog.Int("attempts", e.callbackAttempts))
		e.release()
		return
	}

	retry := state.GlobalRetryCount + 1
	if setErr := e.svc.repo.SetGlobalError(ctx, e.key, err.Error(), retry); setErr != nil {
		e.log.Error("failed to persist callback error", logger.Error(setErr))
	}
	e.svc.repo.AppendDebug(ctx, e.key, "callback attempt %d failed: %s", e.callbackAttempts, err.Error())

	if e.callbackAttempts > e.svc.cfg.Orchestrator.MaxRetries {
		e.log.Error("callback retries exhausted, preserving chunk state",
			slog.Int("attempts", e.callbackAttempts),
			logger.Error(err))
		e.release()
		return
	}

	e.log.Warn("callback failed, will retry",
		slog.Int("attempt", e.callbackAttempts),
		logger.Error(err))
	e.schedule(e.svc.cfg.Orchestrator.RetryDelay)
}

// release stops the engine and removes it from the registry
func (e *Engine) release() {
	e.stop()
	e.svc.releaseEngine(e.key)
}
