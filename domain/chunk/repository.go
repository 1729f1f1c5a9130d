package chunk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/arke-institute/ocr-worker/internal/database"
	"github.com/arke-institute/ocr-worker/pkg/apperror"
	"github.com/arke-institute/ocr-worker/pkg/logger"
)

// debugLogCap is the per-chunk ring size of ocr.chunk_debug_log
const debugLogCap = 100

// Repository handles database operations for chunk workers
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new chunk repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("chunk.repo")),
	}
}

// GetState returns the chunk state row, or nil when the chunk is unknown
func (r *Repository) GetState(ctx context.Context, key Key) (*State, error) {
	state := &State{}
	err := r.db.NewSelect().
		Model(state).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.log.Error("failed to get chunk state", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return state, nil
}

// Seed clears any previous rows for the chunk and inserts fresh state and PI
// rows in one transaction. Used by accept after the terminal-state check.
func (r *Repository) Seed(ctx context.Context, key Key, pis []string) error {
	tx, err := database.BeginSafeTx(ctx, r.db)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	if err := r.clearChunk(ctx, tx, key); err != nil {
		return err
	}

	state := &State{
		BatchID:   key.BatchID,
		ChunkID:   key.ChunkID,
		Phase:     PhaseFetching,
		StartedAt: time.Now(),
	}
	if _, err := tx.NewInsert().Model(state).Exec(ctx); err != nil {
		r.log.Error("failed to insert chunk state", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}

	if len(pis) > 0 {
		rows := make([]PI, 0, len(pis))
		for _, pi := range pis {
			rows = append(rows, PI{
				BatchID: key.BatchID,
				ChunkID: key.ChunkID,
				PI:      pi,
			})
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			r.log.Error("failed to insert chunk pis", logger.Error(err))
			return apperror.ErrDatabase.WithInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Cleanup drops every row the chunk owns. Called after a successful callback.
func (r *Repository) Cleanup(ctx context.Context, key Key) error {
	tx, err := database.BeginSafeTx(ctx, r.db)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	if err := r.clearChunk(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) clearChunk(ctx context.Context, tx *database.SafeTx, key Key) error {
	for _, model := range []any{
		(*DebugLogEntry)(nil),
		(*Ref)(nil),
		(*PI)(nil),
		(*State)(nil),
	} {
		if _, err := tx.NewDelete().
			Model(model).
			Where("batch_id = ?", key.BatchID).
			Where("chunk_id = ?", key.ChunkID).
			Exec(ctx); err != nil {
			r.log.Error("failed to clear chunk rows", logger.Error(err))
			return apperror.ErrDatabase.WithInternal(err)
		}
	}
	return nil
}

// SetPhase transitions the chunk to a new phase
func (r *Repository) SetPhase(ctx context.Context, key Key, phase string) error {
	q := r.db.NewUpdate().
		Model((*State)(nil)).
		Set("phase = ?", phase).
		Set("updated_at = now()")
	if phase == PhaseDone {
		q = q.Set("completed_at = now()")
	}
	_, err := q.
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to set phase", slog.String("phase", phase), logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetTotalRefs records the materialized queue size at the end of FETCH
func (r *Repository) SetTotalRefs(ctx context.Context, key Key, total int) error {
	_, err := r.db.NewUpdate().
		Model((*State)(nil)).
		Set("total_refs = ?", total).
		Set("updated_at = now()").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to set total refs", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetGlobalError records a timer-level failure and the retry count it pushed
func (r *Repository) SetGlobalError(ctx context.Context, key Key, message string, retryCount int) error {
	_, err := r.db.NewUpdate().
		Model((*State)(nil)).
		Set("global_error = ?", message).
		Set("global_retry_count = ?", retryCount).
		Set("updated_at = now()").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to set global error", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetBackoff persists the backoff controller state
func (r *Repository) SetBackoff(ctx context.Context, key Key, consecutiveErrors int, until *time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*State)(nil)).
		Set("consecutive_errors = ?", consecutiveErrors).
		Set("backoff_until = ?", until).
		Set("updated_at = now()").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to set backoff", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// BumpCounters adds the terminal deltas of one settled batch to the chunk
// counters. Counters only move forward (I5).
func (r *Repository) BumpCounters(ctx context.Context, key Key, completed, failed, skipped int) error {
	if completed == 0 && failed == 0 && skipped == 0 {
		return nil
	}
	_, err := r.db.NewUpdate().
		Model((*State)(nil)).
		Set("completed_refs = completed_refs + ?", completed).
		Set("failed_refs = failed_refs + ?", failed).
		Set("skipped_refs = skipped_refs + ?", skipped).
		Set("updated_at = now()").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to bump counters", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// InsertRefs materializes the work queue. Conflicting rows (same pi +
// filename) are left untouched so a re-entered FETCH cannot duplicate work.
func (r *Repository) InsertRefs(ctx context.Context, refs []Ref) error {
	if len(refs) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().
		Model(&refs).
		On("CONFLICT (batch_id, chunk_id, pi, filename) DO NOTHING").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to insert refs", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// CountRefs returns the total number of refs the chunk owns
func (r *Repository) CountRefs(ctx context.Context, key Key) (int, error) {
	count, err := r.db.NewSelect().
		Model((*Ref)(nil)).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Count(ctx)
	if err != nil {
		r.log.Error("failed to count refs", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return count, nil
}

// ClaimPending atomically claims up to limit pending refs, flipping them to
// processing in the same statement. SKIP LOCKED keeps concurrent claimers
// (restart races) from blocking each other.
func (r *Repository) ClaimPending(ctx context.Context, key Key, limit int) ([]Ref, error) {
	refs := []Ref{}
	err := r.db.NewRaw(`
		WITH claimed AS (
			SELECT id FROM ocr.chunk_refs
			WHERE batch_id = ? AND chunk_id = ? AND status = 'pending'
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ocr.chunk_refs cr
		SET status = 'processing', updated_at = now()
		FROM claimed
		WHERE cr.id = claimed.id
		RETURNING cr.*`,
		key.BatchID, key.ChunkID, limit).
		Scan(ctx, &refs)
	if err != nil {
		r.log.Error("failed to claim pending refs", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return refs, nil
}

// MarkRefCompleted settles a ref as done or skipped with its result CID
func (r *Repository) MarkRefCompleted(ctx context.Context, refID string, skipped bool, resultCID string, textLength int) error {
	status := RefStatusDone
	if skipped {
		status = RefStatusSkipped
	}
	_, err := r.db.NewUpdate().
		Model((*Ref)(nil)).
		Set("status = ?", status).
		Set("result_cid = ?", resultCID).
		Set("ocr_text_length = ?", textLength).
		Set("error = NULL").
		Set("updated_at = now()").
		Where("id = ?", refID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark ref completed", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkRefError settles a ref as terminally failed
func (r *Repository) MarkRefError(ctx context.Context, refID, message string) error {
	_, err := r.db.NewUpdate().
		Model((*Ref)(nil)).
		Set("status = ?", RefStatusError).
		Set("error = ?", message).
		Set("updated_at = now()").
		Where("id = ?", refID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark ref error", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// RequeueRef returns a ref to pending. bumpRetry is set for transient
// failures only; rate-limit requeues do not consume the per-ref retry budget.
func (r *Repository) RequeueRef(ctx context.Context, refID string, bumpRetry bool) error {
	q := r.db.NewUpdate().
		Model((*Ref)(nil)).
		Set("status = ?", RefStatusPending).
		Set("updated_at = now()")
	if bumpRetry {
		q = q.Set("retry_count = retry_count + 1")
	}
	_, err := q.Where("id = ?", refID).Exec(ctx)
	if err != nil {
		r.log.Error("failed to requeue ref", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// ResetProcessingRefs returns in-flight refs to pending. Called on startup
// resume: rows stuck in processing belong to a fire that died with the
// previous process.
func (r *Repository) ResetProcessingRefs(ctx context.Context, key Key) (int, error) {
	result, err := r.db.NewUpdate().
		Model((*Ref)(nil)).
		Set("status = ?", RefStatusPending).
		Set("updated_at = now()").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Where("status = ?", RefStatusProcessing).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to reset processing refs", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// RefStatusCounts returns ref counts grouped by status
func (r *Repository) RefStatusCounts(ctx context.Context, key Key) (map[string]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := r.db.NewSelect().
		Model((*Ref)(nil)).
		Column("status").
		ColumnExpr("count(*) AS count").
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		r.log.Error("failed to count ref statuses", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListPIs returns every PI row of the chunk
func (r *Repository) ListPIs(ctx context.Context, key Key) ([]PI, error) {
	pis := []PI{}
	err := r.db.NewSelect().
		Model(&pis).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Order("pi ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list pis", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return pis, nil
}

// PIsForPublish returns PIs not yet published (I4: entity_updated flips once)
func (r *Repository) PIsForPublish(ctx context.Context, key Key) ([]PI, error) {
	pis := []PI{}
	err := r.db.NewSelect().
		Model(&pis).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Where("entity_updated = false").
		Order("pi ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list pis for publish", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return pis, nil
}

// MarkPIPublished records a successful version append for a PI
func (r *Repository) MarkPIPublished(ctx context.Context, piID, newTip string, newVersion int) error {
	_, err := r.db.NewUpdate().
		Model((*PI)(nil)).
		Set("entity_updated = true").
		Set("new_tip = ?", newTip).
		Set("new_version = ?", newVersion).
		Set("updated_at = now()").
		Where("id = ?", piID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark pi published", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkPIError records a publish failure. entity_updated is still flipped so
// PUBLISH makes forward progress and the callback carries the error.
func (r *Repository) MarkPIError(ctx context.Context, piID, message string) error {
	_, err := r.db.NewUpdate().
		Model((*PI)(nil)).
		Set("entity_updated = true").
		Set("entity_error = ?", message).
		Set("updated_at = now()").
		Where("id = ?", piID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark pi error", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkPINoop flips entity_updated for a PI with nothing to publish
func (r *Repository) MarkPINoop(ctx context.Context, piID string) error {
	_, err := r.db.NewUpdate().
		Model((*PI)(nil)).
		Set("entity_updated = true").
		Set("updated_at = now()").
		Where("id = ?", piID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark pi noop", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// CompletedRefsForPI returns the refs that publish for a PI: terminal
// done/skipped rows carrying a result CID (I2 guarantees the CID is set).
func (r *Repository) CompletedRefsForPI(ctx context.Context, key Key, pi string) ([]Ref, error) {
	refs := []Ref{}
	err := r.db.NewSelect().
		Model(&refs).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Where("pi = ?", pi).
		Where("status IN (?)", bun.In([]string{RefStatusDone, RefStatusSkipped})).
		Where("result_cid IS NOT NULL").
		Order("filename ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list completed refs", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return refs, nil
}

// ListRefs returns every ref row of the chunk
func (r *Repository) ListRefs(ctx context.Context, key Key) ([]Ref, error) {
	refs := []Ref{}
	err := r.db.NewSelect().
		Model(&refs).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Order("pi ASC", "filename ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list refs", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return refs, nil
}

// AppendDebug appends a debug log line and trims the chunk's ring to the cap
func (r *Repository) AppendDebug(ctx context.Context, key Key, format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	entry := &DebugLogEntry{
		BatchID: key.BatchID,
		ChunkID: key.ChunkID,
		TS:      time.Now(),
		Message: message,
	}
	if _, err := r.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		// Diagnostics only; never fail the caller over the debug log
		r.log.Warn("failed to append debug log", logger.Error(err))
		return
	}

	_, err := r.db.NewRaw(`
		DELETE FROM ocr.chunk_debug_log
		WHERE batch_id = ? AND chunk_id = ?
		  AND id NOT IN (
			SELECT id FROM ocr.chunk_debug_log
			WHERE batch_id = ? AND chunk_id = ?
			ORDER BY id DESC
			LIMIT ?
		  )`,
		key.BatchID, key.ChunkID, key.BatchID, key.ChunkID, debugLogCap).
		Exec(ctx)
	if err != nil {
		r.log.Warn("failed to trim debug log", logger.Error(err))
	}
}

// DebugTail returns the newest n debug log lines, oldest first
func (r *Repository) DebugTail(ctx context.Context, key Key, n int) ([]DebugLogEntry, error) {
	entries := []DebugLogEntry{}
	err := r.db.NewSelect().
		Model(&entries).
		Where("batch_id = ?", key.BatchID).
		Where("chunk_id = ?", key.ChunkID).
		Order("id DESC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to read debug tail", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	// Reverse into chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// NonTerminalStates returns chunks whose engines must be re-armed on boot
func (r *Repository) NonTerminalStates(ctx context.Context) ([]State, error) {
	states := []State{}
	err := r.db.NewSelect().
		Model(&states).
		Where("phase NOT IN (?)", bun.In([]string{PhaseDone, PhaseError})).
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list non-terminal chunks", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return states, nil
}

// PhaseCounts returns chunk_state row counts grouped by phase
func (r *Repository) PhaseCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Phase string `bun:"phase"`
		Count int    `bun:"count"`
	}
	err := r.db.NewSelect().
		Model((*State)(nil)).
		Column("phase").
		ColumnExpr("count(*) AS count").
		Group("phase").
		Scan(ctx, &rows)
	if err != nil {
		r.log.Error("failed to count phases", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Phase] = row.Count
	}
	return counts, nil
}
