package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/ocr-worker/pkg/arke"
)

// casStore fakes the store's publish surface: ResolveTip hands out a fresh
// tip per call and AppendVersion conflicts a configurable number of times.
type casStore struct {
	fakeStore
	tipCalls  int
	conflicts int
	appendErr error
	appends   []string
}

func (f *casStore) ResolveTip(ctx context.Context, pi string) (*arke.TipResult, error) {
	f.tipCalls++
	return &arke.TipResult{ID: pi, Tip: fmt.Sprintf("bafytip%d", f.tipCalls)}, nil
}

func (f *casStore) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*arke.VersionResult, error) {
	f.appends = append(f.appends, expectTip)
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if len(f.appends) <= f.conflicts {
		return nil, &arke.ConflictError{PI: pi, ExpectTip: expectTip}
	}
	return &arke.VersionResult{Ver: 7, Tip: "bafynew"}, nil
}

func newPublishTestService(store *casStore) *Service {
	return &Service{
		store: store,
		log:   slog.Default(),
	}
}

func TestPublishPI_FirstAttemptSucceeds(t *testing.T) {
	store := &casStore{}
	svc := newPublishTestService(store)

	result, err := svc.publishPI(context.Background(), "P1",
		map[string]string{"img.jpg.ref.json": "bafyresult"})

	require.NoError(t, err)
	assert.Equal(t, 7, result.Ver)
	assert.Equal(t, "bafynew", result.Tip)
	assert.Equal(t, 1, store.tipCalls)
	assert.Equal(t, []string{"bafytip1"}, store.appends)
}

func TestPublishPI_ConflictRetriesWithFreshTip(t *testing.T) {
	store := &casStore{conflicts: 1}
	svc := newPublishTestService(store)

	result, err := svc.publishPI(context.Background(), "P1",
		map[string]string{"img.jpg.ref.json": "bafyresult"})

	require.NoError(t, err)
	assert.Equal(t, "bafynew", result.Tip)
	// The tip is re-resolved before every append, so the second attempt
	// carries the moved tip rather than the stale one
	assert.Equal(t, 2, store.tipCalls)
	assert.Equal(t, []string{"bafytip1", "bafytip2"}, store.appends)
}

func TestPublishPI_GivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &casStore{conflicts: publishAttempts}
	svc := newPublishTestService(store)

	result, err := svc.publishPI(context.Background(), "P1",
		map[string]string{"img.jpg.ref.json": "bafyresult"})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Len(t, store.appends, publishAttempts)
	assert.Contains(t, err.Error(), "cas append failed after 3 attempts")
	assert.True(t, arke.IsConflict(err))
}

func TestPublishPI_NonConflictErrorAborts(t *testing.T) {
	store := &casStore{appendErr: &arke.Error{Message: "boom", StatusCode: 500}}
	svc := newPublishTestService(store)

	result, err := svc.publishPI(context.Background(), "P1",
		map[string]string{"img.jpg.ref.json": "bafyresult"})

	require.Error(t, err)
	assert.Nil(t, result)
	// No retry loop for non-conflict failures
	assert.Len(t, store.appends, 1)
	assert.False(t, arke.IsConflict(err))
}
