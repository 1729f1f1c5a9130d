package chunk

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// refDocSuffix names the entity components the worker operates on
const refDocSuffix = ".ref.json"

// runFetch materializes the work queue: for every PI, walk the entity
// manifest, download each *.ref.json component, and insert one refs row per
// usable ref. Fetching up front means PROCESSING never touches the store.
//
// A per-PI failure yields an empty ref list for that PI; its publish later
// no-ops. A ref document without a url is skipped with a warning and never
// inserted.
func (s *Service) runFetch(ctx context.Context, state *State) (time.Duration, error) {
	key := state.Key()

	pis, err := s.repo.ListPIs(ctx, key)
	if err != nil {
		return 0, err
	}

	var refs []Ref
	for _, pi := range pis {
		piRefs, err := s.fetchRefsForPI(ctx, key, pi.PI)
		if err != nil {
			s.log.Warn("failed to fetch refs for pi, continuing with none",
				slog.String("pi", pi.PI),
				slog.String("error", err.Error()))
			s.repo.AppendDebug(ctx, key, "fetch failed for %s: %s", pi.PI, err.Error())
			continue
		}
		refs = append(refs, piRefs...)
	}

	if err := s.repo.InsertRefs(ctx, refs); err != nil {
		return 0, err
	}

	// Count from the table rather than len(refs): a re-entered FETCH after a
	// partial crash must not shrink or double the total (I3 sets it once)
	total, err := s.repo.CountRefs(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.repo.SetTotalRefs(ctx, key, total); err != nil {
		return 0, err
	}
	if err := s.repo.SetPhase(ctx, key, PhaseProcessing); err != nil {
		return 0, err
	}

	s.repo.AppendDebug(ctx, key, "fetch complete: %d refs across %d pis", total, len(pis))
	s.log.Info("fetch complete",
		slog.String("batch_id", key.BatchID),
		slog.String("chunk_id", key.ChunkID),
		slog.Int("total_refs", total),
		slog.Int("pis", len(pis)))

	return s.cfg.Worker.AlarmInterval(), nil
}

// fetchRefsForPI walks one entity's manifest and downloads its ref documents
func (s *Service) fetchRefsForPI(ctx context.Context, key Key, pi string) ([]Ref, error) {
	entity, err := s.store.GetEntity(ctx, pi)
	if err != nil {
		return nil, err
	}

	var refs []Ref
	for filename, cid := range entity.Components {
		if !strings.HasSuffix(filename, refDocSuffix) {
			continue
		}

		blob, err := s.store.Download(ctx, pi, cid)
		if err != nil {
			return nil, err
		}

		var doc struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(blob, &doc); err != nil {
			s.log.Warn("skipping unparsable ref document",
				slog.String("pi", pi),
				slog.String("filename", filename),
				slog.String("error", err.Error()))
			s.repo.AppendDebug(ctx, key, "skipping unparsable ref %s/%s", pi, filename)
			continue
		}
		if doc.URL == "" {
			s.log.Warn("skipping ref without url",
				slog.String("pi", pi),
				slog.String("filename", filename))
			s.repo.AppendDebug(ctx, key, "skipping ref without url: %s/%s", pi, filename)
			continue
		}

		refs = append(refs, Ref{
			BatchID:     key.BatchID,
			ChunkID:     key.ChunkID,
			PI:          pi,
			Filename:    filename,
			CDNURL:      doc.URL,
			OriginalCID: cid,
			Status:      RefStatusPending,
			RefData:     json.RawMessage(blob),
		})
	}
	return refs, nil
}
