package chunk

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Chunk phases. A chunk moves FETCHING → PROCESSING → PUBLISHING → DONE, or
// into ERROR from any phase after exhausting global retries.
const (
	PhaseFetching   = "FETCHING"
	PhaseProcessing = "PROCESSING"
	PhasePublishing = "PUBLISHING"
	PhaseDone       = "DONE"
	PhaseError      = "ERROR"
)

// Ref statuses. The refs table is the work queue: pending rows are claimable,
// processing rows are in flight, the rest are terminal.
const (
	RefStatusPending    = "pending"
	RefStatusProcessing = "processing"
	RefStatusDone       = "done"
	RefStatusSkipped    = "skipped"
	RefStatusError      = "error"
)

// Key addresses one chunk worker
type Key struct {
	BatchID string
	ChunkID string
}

// IsTerminal reports whether a phase accepts no further work
func IsTerminal(phase string) bool {
	return phase == PhaseDone || phase == PhaseError
}

// State is the one-per-chunk row in ocr.chunk_state
type State struct {
	bun.BaseModel `bun:"table:ocr.chunk_state,alias:cs"`

	BatchID          string     `bun:"batch_id,pk"`
	ChunkID          string     `bun:"chunk_id,pk"`
	Phase            string     `bun:"phase,notnull,default:'FETCHING'"`
	StartedAt        time.Time  `bun:"started_at,notnull,default:now()"`
	CompletedAt      *time.Time `bun:"completed_at"`
	TotalRefs        int        `bun:"total_refs,notnull,default:0"`
	CompletedRefs    int        `bun:"completed_refs,notnull,default:0"`
	FailedRefs       int        `bun:"failed_refs,notnull,default:0"`
	SkippedRefs      int        `bun:"skipped_refs,notnull,default:0"`
	GlobalError      *string    `bun:"global_error"`
	GlobalRetryCount int        `bun:"global_retry_count,notnull,default:0"`

	// Backoff controller state, embedded per chunk
	ConsecutiveErrors int        `bun:"consecutive_errors,notnull,default:0"`
	BackoffUntil      *time.Time `bun:"backoff_until"`

	CreatedAt time.Time `bun:"created_at,notnull,default:now()"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()"`
}

// Key returns the chunk's address
func (s *State) Key() Key {
	return Key{BatchID: s.BatchID, ChunkID: s.ChunkID}
}

// InBackoff reports whether the chunk's backoff window is still open
func (s *State) InBackoff(now time.Time) bool {
	return s.BackoffUntil != nil && now.Before(*s.BackoffUntil)
}

// PI is the one-per-entity row in ocr.chunk_pis
type PI struct {
	bun.BaseModel `bun:"table:ocr.chunk_pis,alias:cp"`

	ID            string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	BatchID       string    `bun:"batch_id,notnull"`
	ChunkID       string    `bun:"chunk_id,notnull"`
	PI            string    `bun:"pi,notnull"`
	EntityUpdated bool      `bun:"entity_updated,notnull,default:false"`
	NewTip        *string   `bun:"new_tip"`
	NewVersion    *int      `bun:"new_version"`
	EntityError   *string   `bun:"entity_error"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:now()"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:now()"`
}

// Ref is the one-per-image row in ocr.chunk_refs, the primary work item
type Ref struct {
	bun.BaseModel `bun:"table:ocr.chunk_refs,alias:cr"`

	ID            string          `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	BatchID       string          `bun:"batch_id,notnull"`
	ChunkID       string          `bun:"chunk_id,notnull"`
	PI            string          `bun:"pi,notnull"`
	Filename      string          `bun:"filename,notnull"`
	CDNURL        string          `bun:"cdn_url,notnull"`
	OriginalCID   string          `bun:"original_cid,notnull"`
	Status        string          `bun:"status,notnull,default:'pending'"`
	RetryCount    int             `bun:"retry_count,notnull,default:0"`
	RefData       json.RawMessage `bun:"ref_data,type:jsonb"`
	ResultCID     *string         `bun:"result_cid"`
	OCRTextLength *int            `bun:"ocr_text_length"`
	Error         *string         `bun:"error"`
	CreatedAt     time.Time       `bun:"created_at,notnull,default:now()"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull,default:now()"`
}

// DebugLogEntry is a row in the capped ocr.chunk_debug_log ring
type DebugLogEntry struct {
	bun.BaseModel `bun:"table:ocr.chunk_debug_log,alias:dl"`

	ID      int64     `bun:"id,pk,autoincrement"`
	BatchID string    `bun:"batch_id,notnull"`
	ChunkID string    `bun:"chunk_id,notnull"`
	TS      time.Time `bun:"ts,notnull,default:now()"`
	Message string    `bun:"message,notnull"`
}

// ProcessRequest is the body of POST /process
type ProcessRequest struct {
	BatchID string      `json:"batch_id"`
	ChunkID string      `json:"chunk_id"`
	PIs     []RequestPI `json:"pis"`
}

// RequestPI names one entity in a process request
type RequestPI struct {
	PI string `json:"pi"`
}

// ProcessResponse is the body of the POST /process response. TotalRefs is
// always 0 on accept; the ref count is unknown until FETCH completes and the
// orchestrator polls for it.
type ProcessResponse struct {
	Status    string `json:"status"`
	ChunkID   string `json:"chunk_id"`
	Phase     string `json:"phase,omitempty"`
	TotalPIs  int    `json:"total_pis,omitempty"`
	TotalRefs int    `json:"total_refs"`
}

// StatusResponse is the read-only snapshot served by GET /status
type StatusResponse struct {
	Status   string        `json:"status"`
	BatchID  string        `json:"batch_id,omitempty"`
	ChunkID  string        `json:"chunk_id,omitempty"`
	Phase    string        `json:"phase,omitempty"`
	Progress *Progress     `json:"progress,omitempty"`
	Backoff  *BackoffState `json:"backoff,omitempty"`
	Error    string        `json:"error,omitempty"`
	DebugLog []string      `json:"debug_log,omitempty"`
}

// Progress summarizes ref counts; Pending is derived from the refs table
type Progress struct {
	TotalRefs int `json:"total_refs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// BackoffState summarizes the rate-limit backoff for /status
type BackoffState struct {
	ConsecutiveErrors int    `json:"consecutive_errors"`
	BackoffUntil      string `json:"backoff_until,omitempty"`
}

// CallbackPayload is the final result POSTed to the orchestrator at
// /callback/ocr/{batch_id}. Delivery is at-least-once; the orchestrator
// dedupes by (batch_id, chunk_id).
type CallbackPayload struct {
	BatchID string     `json:"batch_id"`
	ChunkID string     `json:"chunk_id"`
	Status  string     `json:"status"`
	Results []PIResult `json:"results"`
	Summary Summary    `json:"summary"`
	Error   string     `json:"error,omitempty"`
}

// PIResult is the per-entity slice of the callback payload
type PIResult struct {
	PI            string      `json:"pi"`
	Status        string      `json:"status"`
	NewTip        *string     `json:"new_tip,omitempty"`
	NewVersion    *int        `json:"new_version,omitempty"`
	RefsCompleted int         `json:"refs_completed"`
	RefsFailed    int         `json:"refs_failed"`
	FailedRefs    []FailedRef `json:"failed_refs,omitempty"`
}

// FailedRef identifies one terminally failed ref in the callback
type FailedRef struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Summary is the chunk-level roll-up of the callback payload
type Summary struct {
	TotalRefs        int   `json:"total_refs"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	Skipped          int   `json:"skipped"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// MetricsResponse is the operator projection served by GET /metrics/chunks
type MetricsResponse struct {
	ActiveEngines int            `json:"active_engines"`
	Phases        map[string]int `json:"phases"`
}
