package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arke-institute/ocr-worker/pkg/arke"
)

// publishAttempts bounds the fresh-tip CAS loop per PI
const publishAttempts = 3

// runPublish appends one new version per PI carrying the chunk's completed
// ref documents. Tips are resolved fresh immediately before each CAS append:
// other chunks and external writers may have advanced any entity since
// accept, and fresh-read plus a short retry loop keeps conflicts near zero
// while CAS guards correctness.
func (s *Service) runPublish(ctx context.Context, state *State) (time.Duration, error) {
	key := state.Key()

	pis, err := s.repo.PIsForPublish(ctx, key)
	if err != nil {
		return 0, err
	}

	for _, pi := range pis {
		refs, err := s.repo.CompletedRefsForPI(ctx, key, pi.PI)
		if err != nil {
			return 0, err
		}

		if len(refs) == 0 {
			if err := s.repo.MarkPINoop(ctx, pi.ID); err != nil {
				return 0, err
			}
			s.repo.AppendDebug(ctx, key, "nothing to publish for %s", pi.PI)
			continue
		}

		components := make(map[string]string, len(refs))
		for _, ref := range refs {
			components[ref.Filename] = *ref.ResultCID
		}

		result, err := s.publishPI(ctx, pi.PI, components)
		if err != nil {
			// Recorded on the PI and carried by the callback; a publish
			// failure never fails the chunk
			if markErr := s.repo.MarkPIError(ctx, pi.ID, err.Error()); markErr != nil {
				return 0, markErr
			}
			s.repo.AppendDebug(ctx, key, "publish failed for %s: %s", pi.PI, err.Error())
			s.log.Warn("publish failed for pi",
				slog.String("pi", pi.PI),
				slog.String("error", err.Error()))
			continue
		}

		if err := s.repo.MarkPIPublished(ctx, pi.ID, result.Tip, result.Ver); err != nil {
			return 0, err
		}
		s.repo.AppendDebug(ctx, key, "published %s: ver %d, %d components",
			pi.PI, result.Ver, len(components))
		s.log.Info("published entity version",
			slog.String("pi", pi.PI),
			slog.Int("ver", result.Ver),
			slog.Int("components", len(components)))
	}

	if err := s.repo.SetPhase(ctx, key, PhaseDone); err != nil {
		return 0, err
	}
	s.repo.AppendDebug(ctx, key, "publish complete, entering DONE")

	return s.cfg.Worker.AlarmInterval(), nil
}

// publishPI runs the bounded fresh-tip CAS loop for one entity
func (s *Service) publishPI(ctx context.Context, pi string, components map[string]string) (*arke.VersionResult, error) {
	note := fmt.Sprintf("OCR results for %d refs", len(components))

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		tip, err := s.store.ResolveTip(ctx, pi)
		if err != nil {
			return nil, fmt.Errorf("resolve tip: %w", err)
		}

		result, err := s.store.AppendVersion(ctx, pi, tip.Tip, components, note)
		if err == nil {
			return result, nil
		}
		if !arke.IsConflict(err) {
			return nil, err
		}

		lastErr = err
		s.log.Debug("tip conflict, re-resolving",
			slog.String("pi", pi),
			slog.Int("attempt", attempt))
		if attempt < publishAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("cas append failed after %d attempts: %w", publishAttempts, lastErr)
}
