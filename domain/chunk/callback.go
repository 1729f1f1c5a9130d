package chunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arke-institute/ocr-worker/internal/config"
	"github.com/arke-institute/ocr-worker/pkg/logger"
)

// Per-PI and overall callback statuses
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Dispatcher delivers final chunk callbacks to the orchestrator
type Dispatcher struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

// NewDispatcher creates a new callback dispatcher
func NewDispatcher(cfg *config.Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{
			Timeout: cfg.Orchestrator.Timeout,
		},
		baseURL: strings.TrimRight(cfg.Orchestrator.Endpoint, "/"),
		log:     log.With(logger.Scope("chunk.callback")),
	}
}

// Deliver POSTs one callback payload. Any non-2xx response is an error; the
// engine owns the retry schedule.
func (d *Dispatcher) Deliver(ctx context.Context, payload *CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	url := d.baseURL + "/callback/ocr/" + payload.BatchID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Delivery is at-least-once; the ID lets the orchestrator correlate
	// duplicate deliveries in its logs
	req.Header.Set("X-Delivery-ID", uuid.NewString())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback rejected with %d: %s", resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}

	d.log.Info("callback delivered",
		slog.String("batch_id", payload.BatchID),
		slog.String("chunk_id", payload.ChunkID),
		slog.String("status", payload.Status))
	return nil
}

// runCallback builds and delivers the terminal callback for a chunk
func (s *Service) runCallback(ctx context.Context, state *State) error {
	key := state.Key()

	pis, err := s.repo.ListPIs(ctx, key)
	if err != nil {
		return err
	}
	refs, err := s.repo.ListRefs(ctx, key)
	if err != nil {
		return err
	}

	payload := BuildCallback(state, pis, refs, time.Now())
	return s.dispatcher.Deliver(ctx, payload)
}

// BuildCallback derives the callback payload from the chunk's final rows.
//
// Per-PI status: error when entity_error is set or every ref failed with
// none completed; partial when completions and failures mix; success
// otherwise. Overall status: success when all PIs succeeded, error when all
// errored, partial for any mix. An ERROR-phase chunk reports error with the
// global error on top regardless of per-PI outcomes.
func BuildCallback(state *State, pis []PI, refs []Ref, now time.Time) *CallbackPayload {
	refsByPI := make(map[string][]Ref, len(pis))
	for _, ref := range refs {
		refsByPI[ref.PI] = append(refsByPI[ref.PI], ref)
	}

	results := make([]PIResult, 0, len(pis))
	successes, errors := 0, 0
	for _, pi := range pis {
		result := buildPIResult(pi, refsByPI[pi.PI])
		switch result.Status {
		case StatusSuccess:
			successes++
		case StatusError:
			errors++
		}
		results = append(results, result)
	}

	status := StatusPartial
	switch {
	case successes == len(pis):
		status = StatusSuccess
	case errors == len(pis) && len(pis) > 0:
		status = StatusError
	}

	payload := &CallbackPayload{
		BatchID: state.BatchID,
		ChunkID: state.ChunkID,
		Status:  status,
		Results: results,
		Summary: Summary{
			TotalRefs:        state.TotalRefs,
			Completed:        state.CompletedRefs,
			Failed:           state.FailedRefs,
			Skipped:          state.SkippedRefs,
			ProcessingTimeMs: processingTime(state, now).Milliseconds(),
		},
	}

	if state.Phase == PhaseError {
		payload.Status = StatusError
		if state.GlobalError != nil {
			payload.Error = *state.GlobalError
		}
	}
	return payload
}

// buildPIResult derives the per-entity slice of the callback
func buildPIResult(pi PI, refs []Ref) PIResult {
	result := PIResult{
		PI:         pi.PI,
		NewTip:     pi.NewTip,
		NewVersion: pi.NewVersion,
	}

	for _, ref := range refs {
		switch ref.Status {
		case RefStatusDone, RefStatusSkipped:
			result.RefsCompleted++
		case RefStatusError:
			result.RefsFailed++
			message := ""
			if ref.Error != nil {
				message = *ref.Error
			}
			result.FailedRefs = append(result.FailedRefs, FailedRef{
				Filename: ref.Filename,
				Error:    message,
			})
		}
	}

	switch {
	case pi.EntityError != nil:
		result.Status = StatusError
	case result.RefsFailed > 0 && result.RefsCompleted == 0:
		result.Status = StatusError
	case result.RefsFailed > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusSuccess
	}
	return result
}

// processingTime measures accept-to-completion, falling back to now for
// chunks that errored before completing
func processingTime(state *State, now time.Time) time.Duration {
	end := now
	if state.CompletedAt != nil {
		end = *state.CompletedAt
	}
	d := end.Sub(state.StartedAt)
	if d < 0 {
		d = 0
	}
	return d
}
