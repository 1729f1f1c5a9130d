// Package chunk implements the chunk worker: a stateful, resumable processing
// unit that OCRs every image ref of a handful of entities and publishes the
// results back into the Arke store.
//
// One chunk is addressed by (batch_id, chunk_id). Accepting a chunk seeds its
// rows and arms a timer-driven phase engine that walks
// FETCHING → PROCESSING → PUBLISHING → DONE, then delivers a callback to the
// orchestrator and drops the chunk's rows.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arke-institute/ocr-worker/internal/config"
	"github.com/arke-institute/ocr-worker/pkg/apperror"
	"github.com/arke-institute/ocr-worker/pkg/arke"
	"github.com/arke-institute/ocr-worker/pkg/logger"
	"github.com/arke-institute/ocr-worker/pkg/ocr"
)

// Store is the slice of the Arke client the worker consumes
type Store interface {
	Upload(ctx context.Context, pi, filename string, blob []byte) (*arke.UploadResult, error)
	GetEntity(ctx context.Context, pi string) (*arke.Entity, error)
	ResolveTip(ctx context.Context, pi string) (*arke.TipResult, error)
	Download(ctx context.Context, pi, cid string) ([]byte, error)
	AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*arke.VersionResult, error)
}

// Extractor is the slice of the OCR client the worker consumes
type Extractor interface {
	ExtractFromCDN(ctx context.Context, cdnURL string) (*ocr.Result, error)
}

// Service owns the chunk engines and serves the public interface
type Service struct {
	repo       *Repository
	store      Store
	extractor  Extractor
	dispatcher *Dispatcher
	cfg        *config.Config
	log        *slog.Logger

	mu      sync.Mutex
	engines map[Key]*Engine
}

// NewService creates the chunk service
func NewService(
	repo *Repository,
	store Store,
	extractor Extractor,
	dispatcher *Dispatcher,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return &Service{
		repo:       repo,
		store:      store,
		extractor:  extractor,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With(logger.Scope("chunk")),
		engines:    make(map[Key]*Engine),
	}
}

// Accept handles a /process request. A chunk with non-terminal state is
// rejected with already_processing; terminal or unknown chunks are cleared,
// reseeded, and armed.
func (s *Service) Accept(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	if req.BatchID == "" || req.ChunkID == "" {
		return nil, apperror.ErrBadRequest.WithMessage("batch_id and chunk_id are required")
	}
	key := Key{BatchID: req.BatchID, ChunkID: req.ChunkID}

	state, err := s.repo.GetState(ctx, key)
	if err != nil {
		return nil, err
	}
	if state != nil && !IsTerminal(state.Phase) {
		s.log.Info("rejecting chunk already in flight",
			slog.String("batch_id", key.BatchID),
			slog.String("chunk_id", key.ChunkID),
			slog.String("phase", state.Phase))
		return &ProcessResponse{
			Status:  "already_processing",
			ChunkID: key.ChunkID,
			Phase:   state.Phase,
		}, nil
	}

	pis := make([]string, 0, len(req.PIs))
	for _, p := range req.PIs {
		if p.PI != "" {
			pis = append(pis, p.PI)
		}
	}

	if err := s.repo.Seed(ctx, key, pis); err != nil {
		return nil, err
	}
	s.repo.AppendDebug(ctx, key, "accepted chunk with %d pis", len(pis))

	s.log.Info("chunk accepted",
		slog.String("batch_id", key.BatchID),
		slog.String("chunk_id", key.ChunkID),
		slog.Int("total_pis", len(pis)))

	s.armEngine(key, s.cfg.Worker.AlarmInterval())

	return &ProcessResponse{
		Status:   "accepted",
		ChunkID:  key.ChunkID,
		TotalPIs: len(pis),
		// Unknown until FETCH materializes the queue; pollers pick it up
		TotalRefs: 0,
	}, nil
}

// Status serves the read-only /status projection for a chunk
func (s *Service) Status(ctx context.Context, key Key) (*StatusResponse, error) {
	if key.BatchID == "" || key.ChunkID == "" {
		return nil, apperror.ErrBadRequest.WithMessage("batch_id and chunk_id are required")
	}

	state, err := s.repo.GetState(ctx, key)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &StatusResponse{Status: "not_found"}, nil
	}

	counts, err := s.repo.RefStatusCounts(ctx, key)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		Status:  "processing",
		BatchID: state.BatchID,
		ChunkID: state.ChunkID,
		Phase:   state.Phase,
		Progress: &Progress{
			TotalRefs: state.TotalRefs,
			Completed: state.CompletedRefs,
			Failed:    state.FailedRefs,
			Skipped:   state.SkippedRefs,
			Pending:   counts[RefStatusPending],
		},
		Backoff: &BackoffState{
			ConsecutiveErrors: state.ConsecutiveErrors,
		},
	}
	switch state.Phase {
	case PhaseDone:
		resp.Status = "done"
	case PhaseError:
		resp.Status = "error"
	}
	if state.BackoffUntil != nil {
		resp.Backoff.BackoffUntil = state.BackoffUntil.UTC().Format(time.RFC3339Nano)
	}
	if state.GlobalError != nil {
		resp.Error = *state.GlobalError
	}

	tail, err := s.repo.DebugTail(ctx, key, 20)
	if err != nil {
		return nil, err
	}
	for _, entry := range tail {
		resp.DebugLog = append(resp.DebugLog,
			fmt.Sprintf("%s %s", entry.TS.UTC().Format(time.RFC3339), entry.Message))
	}

	return resp, nil
}

// Metrics serves the operator projection of engine and phase counts
func (s *Service) Metrics(ctx context.Context) (*MetricsResponse, error) {
	phases, err := s.repo.PhaseCounts(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	active := len(s.engines)
	s.mu.Unlock()

	return &MetricsResponse{
		ActiveEngines: active,
		Phases:        phases,
	}, nil
}

// Resume re-arms engines for chunks left non-terminal by a previous process.
// In-flight refs are returned to pending first: their fires died with the
// old process.
func (s *Service) Resume(ctx context.Context) error {
	states, err := s.repo.NonTerminalStates(ctx)
	if err != nil {
		return err
	}

	for _, state := range states {
		key := state.Key()
		reset, err := s.repo.ResetProcessingRefs(ctx, key)
		if err != nil {
			return err
		}
		if reset > 0 {
			s.repo.AppendDebug(ctx, key, "resume: returned %d in-flight refs to pending", reset)
		}
		s.repo.AppendDebug(ctx, key, "resume: re-armed in phase %s", state.Phase)

		s.log.Info("resuming chunk",
			slog.String("batch_id", key.BatchID),
			slog.String("chunk_id", key.ChunkID),
			slog.String("phase", state.Phase),
			slog.Int("reset_refs", reset))

		s.armEngine(key, s.cfg.Worker.AlarmInterval())
	}

	if len(states) > 0 {
		s.log.Info("startup resume complete", slog.Int("chunks", len(states)))
	}
	return nil
}

// Shutdown stops every engine timer. Persisted state survives; Resume picks
// the chunks back up on the next boot.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, engine := range s.engines {
		engine.stop()
		delete(s.engines, key)
	}
}

// armEngine creates (or reuses) the engine for a key and schedules a fire
func (s *Service) armEngine(key Key, delay time.Duration) {
	s.mu.Lock()
	engine, ok := s.engines[key]
	if !ok {
		engine = newEngine(key, s)
		s.engines[key] = engine
	}
	s.mu.Unlock()

	engine.schedule(delay)
}

// releaseEngine drops the engine for a key once its chunk is finished
func (s *Service) releaseEngine(key Key) {
	s.mu.Lock()
	delete(s.engines, key)
	s.mu.Unlock()
}
