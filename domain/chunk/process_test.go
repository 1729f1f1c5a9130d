package chunk

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/ocr-worker/pkg/arke"
	"github.com/arke-institute/ocr-worker/pkg/ocr"
)

// fakeStore records uploads and fails every other store operation; only
// Upload is reachable from processOneRef.
type fakeStore struct {
	uploads []fakeUpload
	nextCID string
	err     error
}

type fakeUpload struct {
	pi       string
	filename string
	blob     []byte
}

func (f *fakeStore) Upload(ctx context.Context, pi, filename string, blob []byte) (*arke.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, fakeUpload{pi: pi, filename: filename, blob: blob})
	return &arke.UploadResult{CID: f.nextCID, Size: int64(len(blob))}, nil
}

func (f *fakeStore) GetEntity(ctx context.Context, pi string) (*arke.Entity, error) {
	return nil, &arke.Error{Message: "not implemented", StatusCode: 500}
}

func (f *fakeStore) ResolveTip(ctx context.Context, pi string) (*arke.TipResult, error) {
	return nil, &arke.Error{Message: "not implemented", StatusCode: 500}
}

func (f *fakeStore) Download(ctx context.Context, pi, cid string) ([]byte, error) {
	return nil, &arke.Error{Message: "not implemented", StatusCode: 500}
}

func (f *fakeStore) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*arke.VersionResult, error) {
	return nil, &arke.Error{Message: "not implemented", StatusCode: 500}
}

// fakeExtractor returns a canned result or error and counts calls
type fakeExtractor struct {
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) ExtractFromCDN(ctx context.Context, cdnURL string) (*ocr.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{Text: f.text, TotalTokens: 10}, nil
}

func newProcessTestService(store *fakeStore, extractor *fakeExtractor) *Service {
	return &Service{
		store:     store,
		extractor: extractor,
		log:       slog.Default(),
	}
}

func testRef(data string) Ref {
	return Ref{
		ID:       "ref-1",
		BatchID:  "b1",
		ChunkID:  "c1",
		PI:       "P1",
		Filename: "img.jpg.ref.json",
		CDNURL:   "https://cdn.arke.institute/asset/ABC123",
		RefData:  json.RawMessage(data),
	}
}

func TestProcessOneRef_ExtractsAndUploads(t *testing.T) {
	store := &fakeStore{nextCID: "bafyresult"}
	extractor := &fakeExtractor{text: "Hello"}
	svc := newProcessTestService(store, extractor)

	outcome := svc.processOneRef(context.Background(),
		testRef(`{"url":"https://cdn.arke.institute/asset/ABC123","title":"page 1"}`))

	require.NoError(t, outcome.err)
	assert.False(t, outcome.skipped)
	assert.Equal(t, "bafyresult", outcome.resultCID)
	assert.Equal(t, len("Hello"), outcome.textLength)
	assert.Equal(t, 1, extractor.calls)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, "P1", store.uploads[0].pi)
	assert.Equal(t, "img.jpg.ref.json", store.uploads[0].filename)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(store.uploads[0].blob, &doc))
	assert.Equal(t, "Hello", doc["ocr"])
	// Original fields survive the merge
	assert.Equal(t, "page 1", doc["title"])
	assert.Equal(t, "https://cdn.arke.institute/asset/ABC123", doc["url"])
}

func TestProcessOneRef_ExistingOCRSkips(t *testing.T) {
	store := &fakeStore{nextCID: "bafyskip"}
	extractor := &fakeExtractor{text: "should not be called"}
	svc := newProcessTestService(store, extractor)

	original := `{"url":"https://cdn.arke.institute/asset/ABC123","ocr":"prior"}`
	outcome := svc.processOneRef(context.Background(), testRef(original))

	require.NoError(t, outcome.err)
	assert.True(t, outcome.skipped)
	assert.Equal(t, "bafyskip", outcome.resultCID)
	assert.Equal(t, len("prior"), outcome.textLength)

	// The provider is never called and the document round-trips unchanged
	assert.Equal(t, 0, extractor.calls)
	require.Len(t, store.uploads, 1)
	assert.Equal(t, original, string(store.uploads[0].blob))
}

func TestProcessOneRef_MissingRefData(t *testing.T) {
	store := &fakeStore{}
	extractor := &fakeExtractor{}
	svc := newProcessTestService(store, extractor)

	outcome := svc.processOneRef(context.Background(), testRef(""))

	require.Error(t, outcome.err)
	var pe *ocr.PermanentError
	assert.ErrorAs(t, outcome.err, &pe)
	assert.Equal(t, 0, extractor.calls)
	assert.Empty(t, store.uploads)
}

func TestProcessOneRef_UnparsableRefData(t *testing.T) {
	svc := newProcessTestService(&fakeStore{}, &fakeExtractor{})

	outcome := svc.processOneRef(context.Background(), testRef(`not json`))

	require.Error(t, outcome.err)
	var pe *ocr.PermanentError
	assert.ErrorAs(t, outcome.err, &pe)
}

func TestProcessOneRef_ExtractorErrorPropagates(t *testing.T) {
	store := &fakeStore{}
	extractor := &fakeExtractor{err: &ocr.RateLimitError{Message: "429 too many requests"}}
	svc := newProcessTestService(store, extractor)

	outcome := svc.processOneRef(context.Background(),
		testRef(`{"url":"https://cdn.arke.institute/asset/ABC123"}`))

	require.Error(t, outcome.err)
	var rle *ocr.RateLimitError
	assert.ErrorAs(t, outcome.err, &rle)
	assert.Empty(t, store.uploads)
}

func TestDecideOutcome(t *testing.T) {
	const maxRetries = 3

	tests := []struct {
		name    string
		outcome refOutcome
		want    refDecision
	}{
		{
			name:    "success completes",
			outcome: refOutcome{resultCID: "bafy1"},
			want:    decideComplete,
		},
		{
			name:    "skip is recorded as skip",
			outcome: refOutcome{resultCID: "bafy1", skipped: true},
			want:    decideSkip,
		},
		{
			name:    "permanent error fails immediately",
			outcome: refOutcome{err: &ocr.PermanentError{Message: "404 Not Found"}},
			want:    decideFailPermanent,
		},
		{
			name:    "first transient failure requeues",
			outcome: refOutcome{ref: Ref{RetryCount: 0}, err: assert.AnError},
			want:    decideRequeueTransient,
		},
		{
			name:    "second transient failure requeues",
			outcome: refOutcome{ref: Ref{RetryCount: 1}, err: assert.AnError},
			want:    decideRequeueTransient,
		},
		{
			name:    "third transient failure exhausts the budget",
			outcome: refOutcome{ref: Ref{RetryCount: 2}, err: assert.AnError},
			want:    decideFailExhausted,
		},
		{
			name:    "rate limit requeues without counting",
			outcome: refOutcome{ref: Ref{RetryCount: 0}, err: &ocr.RateLimitError{Message: "429"}},
			want:    decideRequeueRateLimit,
		},
		{
			name:    "rate limit never exhausts",
			outcome: refOutcome{ref: Ref{RetryCount: 99}, err: &ocr.RateLimitError{Message: "429"}},
			want:    decideRequeueRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideOutcome(tt.outcome, maxRetries))
		})
	}
}

func TestProcessOneRef_UploadFailureIsTransient(t *testing.T) {
	store := &fakeStore{err: &arke.Error{Message: "gateway timeout", StatusCode: 504}}
	extractor := &fakeExtractor{text: "Hello"}
	svc := newProcessTestService(store, extractor)

	outcome := svc.processOneRef(context.Background(),
		testRef(`{"url":"https://cdn.arke.institute/asset/ABC123"}`))

	require.Error(t, outcome.err)
	var rle *ocr.RateLimitError
	var pe *ocr.PermanentError
	assert.NotErrorAs(t, outcome.err, &rle)
	assert.NotErrorAs(t, outcome.err, &pe)
}
