package chunk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/ocr-worker/internal/config"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func doneRef(pi, filename string) Ref {
	cid := "bafy-" + filename
	return Ref{PI: pi, Filename: filename, Status: RefStatusDone, ResultCID: &cid}
}

func errorRef(pi, filename, message string) Ref {
	return Ref{PI: pi, Filename: filename, Status: RefStatusError, Error: &message}
}

func TestBuildPIResult(t *testing.T) {
	tests := []struct {
		name          string
		pi            PI
		refs          []Ref
		wantStatus    string
		wantCompleted int
		wantFailed    int
	}{
		{
			name:          "all done",
			pi:            PI{PI: "P1"},
			refs:          []Ref{doneRef("P1", "a.ref.json"), doneRef("P1", "b.ref.json")},
			wantStatus:    StatusSuccess,
			wantCompleted: 2,
		},
		{
			name: "skipped counts as completed",
			pi:   PI{PI: "P1"},
			refs: []Ref{
				{PI: "P1", Filename: "a.ref.json", Status: RefStatusSkipped, ResultCID: strPtr("bafy")},
			},
			wantStatus:    StatusSuccess,
			wantCompleted: 1,
		},
		{
			name:          "mixed outcomes are partial",
			pi:            PI{PI: "P1"},
			refs:          []Ref{doneRef("P1", "a.ref.json"), errorRef("P1", "b.ref.json", "boom")},
			wantStatus:    StatusPartial,
			wantCompleted: 1,
			wantFailed:    1,
		},
		{
			name:       "all failed is error",
			pi:         PI{PI: "P1"},
			refs:       []Ref{errorRef("P1", "a.ref.json", "boom")},
			wantStatus: StatusError,
			wantFailed: 1,
		},
		{
			name:          "entity error overrides ref success",
			pi:            PI{PI: "P1", EntityError: strPtr("publish failed")},
			refs:          []Ref{doneRef("P1", "a.ref.json")},
			wantStatus:    StatusError,
			wantCompleted: 1,
		},
		{
			name:       "no refs is success",
			pi:         PI{PI: "P1"},
			wantStatus: StatusSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := buildPIResult(tt.pi, tt.refs)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantCompleted, result.RefsCompleted)
			assert.Equal(t, tt.wantFailed, result.RefsFailed)
			assert.Len(t, result.FailedRefs, tt.wantFailed)
		})
	}
}

func TestBuildCallback_OverallStatus(t *testing.T) {
	state := &State{BatchID: "b1", ChunkID: "c1", Phase: PhaseDone, StartedAt: time.Now()}

	t.Run("all pis success", func(t *testing.T) {
		payload := BuildCallback(state,
			[]PI{{PI: "P1"}, {PI: "P2"}},
			[]Ref{doneRef("P1", "a.ref.json"), doneRef("P2", "b.ref.json")},
			time.Now())
		assert.Equal(t, StatusSuccess, payload.Status)
	})

	t.Run("all pis error", func(t *testing.T) {
		payload := BuildCallback(state,
			[]PI{{PI: "P1"}, {PI: "P2"}},
			[]Ref{errorRef("P1", "a.ref.json", "x"), errorRef("P2", "b.ref.json", "y")},
			time.Now())
		assert.Equal(t, StatusError, payload.Status)
	})

	t.Run("mixed pis partial", func(t *testing.T) {
		payload := BuildCallback(state,
			[]PI{{PI: "P1"}, {PI: "P2"}},
			[]Ref{doneRef("P1", "a.ref.json"), errorRef("P2", "b.ref.json", "y")},
			time.Now())
		assert.Equal(t, StatusPartial, payload.Status)
	})

	t.Run("zero pis is success", func(t *testing.T) {
		payload := BuildCallback(state, nil, nil, time.Now())
		assert.Equal(t, StatusSuccess, payload.Status)
		assert.Empty(t, payload.Results)
	})
}

func TestBuildCallback_ErrorPhase(t *testing.T) {
	state := &State{
		BatchID:     "b1",
		ChunkID:     "c1",
		Phase:       PhaseError,
		GlobalError: strPtr("global retries exhausted: db down"),
		StartedAt:   time.Now(),
	}

	payload := BuildCallback(state,
		[]PI{{PI: "P1"}},
		[]Ref{doneRef("P1", "a.ref.json")},
		time.Now())

	assert.Equal(t, StatusError, payload.Status)
	assert.Equal(t, "global retries exhausted: db down", payload.Error)
}

func TestBuildCallback_SummaryAndResults(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	completed := started.Add(75 * time.Second)
	state := &State{
		BatchID:       "b1",
		ChunkID:       "c1",
		Phase:         PhaseDone,
		StartedAt:     started,
		CompletedAt:   &completed,
		TotalRefs:     4,
		CompletedRefs: 2,
		FailedRefs:    1,
		SkippedRefs:   1,
	}
	pis := []PI{{PI: "P1", NewTip: strPtr("bafytip"), NewVersion: intPtr(7)}}
	refs := []Ref{
		doneRef("P1", "a.ref.json"),
		errorRef("P1", "b.ref.json", "unsupported file format"),
	}

	payload := BuildCallback(state, pis, refs, time.Now())

	assert.Equal(t, 4, payload.Summary.TotalRefs)
	assert.Equal(t, 2, payload.Summary.Completed)
	assert.Equal(t, 1, payload.Summary.Failed)
	assert.Equal(t, 1, payload.Summary.Skipped)
	assert.Equal(t, int64(75_000), payload.Summary.ProcessingTimeMs)

	require.Len(t, payload.Results, 1)
	result := payload.Results[0]
	assert.Equal(t, "bafytip", *result.NewTip)
	assert.Equal(t, 7, *result.NewVersion)
	require.Len(t, result.FailedRefs, 1)
	assert.Equal(t, "b.ref.json", result.FailedRefs[0].Filename)
	assert.Equal(t, "unsupported file format", result.FailedRefs[0].Error)
}

func newTestDispatcher(t *testing.T, endpoint string) *Dispatcher {
	t.Helper()
	cfg := &config.Config{}
	cfg.Orchestrator.Endpoint = endpoint
	cfg.Orchestrator.Timeout = 5 * time.Second
	return NewDispatcher(cfg, slog.Default())
}

func TestDispatcher_Deliver(t *testing.T) {
	var gotPath, gotDeliveryID string
	var gotPayload CallbackPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDeliveryID = r.Header.Get("X-Delivery-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.Deliver(context.Background(), &CallbackPayload{
		BatchID: "b1",
		ChunkID: "c1",
		Status:  StatusSuccess,
	})

	require.NoError(t, err)
	assert.Equal(t, "/callback/ocr/b1", gotPath)
	assert.NotEmpty(t, gotDeliveryID)
	assert.Equal(t, "c1", gotPayload.ChunkID)
	assert.Equal(t, StatusSuccess, gotPayload.Status)
}

func TestDispatcher_Deliver_NonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("orchestrator unavailable"))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.Deliver(context.Background(), &CallbackPayload{BatchID: "b1", ChunkID: "c1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
