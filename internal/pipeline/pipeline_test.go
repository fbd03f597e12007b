package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/internal/archive"
	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/objstore"
	"github.com/factline/factline/internal/storage"
)

// fakeComputer drives pipeline tests with scripted per-subject results.
type fakeComputer struct {
	kind     model.Kind
	calls    atomic.Int64
	failWith map[model.Subject]error
	// failuresLeft injects n transient errors before a subject succeeds.
	failuresLeft map[model.Subject]*atomic.Int64
	rows         func(subject model.Subject, content []byte) []model.Row
}

func newFakeComputer(kind model.Kind) *fakeComputer {
	return &fakeComputer{
		kind: kind,
		rows: func(subject model.Subject, _ []byte) []model.Row {
			return []model.Row{{Subject: subject, Payload: model.MimetypePayload("text/plain", "utf-8")}}
		},
	}
}

func (f *fakeComputer) Kind() model.Kind { return f.kind }

func (f *fakeComputer) Tool() model.ToolSpec {
	return model.ToolSpec{Name: "fake", Version: "1.0"}
}

func (f *fakeComputer) Compute(_ context.Context, subject model.Subject, content []byte) ([]model.Row, error) {
	f.calls.Add(1)
	if left, ok := f.failuresLeft[subject]; ok && left.Load() > 0 {
		left.Add(-1)
		return nil, ferrors.New(ferrors.ErrCodeLookupLagging, "not yet visible", nil)
	}
	if err, ok := f.failWith[subject]; ok {
		return nil, err
	}
	return f.rows(subject, content), nil
}

func TestRun_EventfulBatchStampsToolAndPersists(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	p := New(store, comp, nil, Options{}, nil)
	ctx := context.Background()

	summary, err := p.Run(ctx, []model.Subject{"aa", "bb", "aa"})
	require.NoError(t, err)

	assert.Equal(t, StatusEventful, summary.Status)
	assert.Equal(t, 2, summary.Seen) // duplicate input collapsed
	assert.Equal(t, 2, summary.Filtered)
	assert.Equal(t, 2, summary.Computed)
	assert.Equal(t, 2, summary.Written[model.KindContentMimetype])
	assert.NotEmpty(t, summary.BatchID)
	assert.Empty(t, summary.Failed)

	// Rows landed under the registered tool, fully resolved on read.
	rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa", "bb"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		resolved, ok := r.Tool.Resolved()
		require.True(t, ok)
		assert.Equal(t, "fake", resolved.Name)
	}
}

func TestRun_RerunIsUneventfulWithoutRecompute(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	p := New(store, comp, nil, Options{}, nil)
	ctx := context.Background()

	_, err := p.Run(ctx, []model.Subject{"aa", "bb"})
	require.NoError(t, err)
	require.Equal(t, int64(2), comp.calls.Load())

	// The missing filter is the idempotency boundary: the rerun never
	// reaches compute.
	summary, err := p.Run(ctx, []model.Subject{"aa", "bb"})
	require.NoError(t, err)
	assert.Equal(t, StatusUneventful, summary.Status)
	assert.Equal(t, 2, summary.Seen)
	assert.Equal(t, 0, summary.Filtered)
	assert.Equal(t, int64(2), comp.calls.Load())
}

func TestRun_RescanRecomputesEverything(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	ctx := context.Background()

	_, err := New(store, comp, nil, Options{}, nil).Run(ctx, []model.Subject{"aa"})
	require.NoError(t, err)

	summary, err := New(store, comp, nil, Options{Rescan: true}, nil).Run(ctx, []model.Subject{"aa"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Filtered)
	assert.Equal(t, int64(2), comp.calls.Load())
	// Identical payload rewritten without conflictUpdate changes nothing.
	assert.Equal(t, StatusUneventful, summary.Status)
}

func TestRun_CatchErrorsIsolatesPoisonedSubjects(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	comp.failWith = map[model.Subject]error{
		"bb": ferrors.New(ferrors.ErrCodeComputeFailed, "translator crashed", nil),
	}
	p := New(store, comp, nil, Options{CatchErrors: true}, nil)
	ctx := context.Background()

	summary, err := p.Run(ctx, []model.Subject{"aa", "bb", "cc"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, []model.Subject{"bb"}, summary.Failed)
	assert.Equal(t, 2, summary.Written[model.KindContentMimetype])

	// The healthy subjects are stored despite the poisoned one.
	rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa", "bb", "cc"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_StrictModePropagatesComputeError(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	comp.failWith = map[model.Subject]error{
		"bb": ferrors.New(ferrors.ErrCodeComputeFailed, "translator crashed", nil),
	}
	p := New(store, comp, nil, Options{}, nil)

	summary, err := p.Run(context.Background(), []model.Subject{"aa", "bb"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, ferrors.ErrCodeComputeFailed, ferrors.GetCode(err))
}

func TestRun_RetriesLaggingLookupsWithBoundedBackoff(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	var left atomic.Int64
	left.Store(2)
	comp.failuresLeft = map[model.Subject]*atomic.Int64{"aa": &left}

	p := New(store, comp, nil, Options{LookupRetries: 3, LookupDelay: time.Millisecond}, nil)
	summary, err := p.Run(context.Background(), []model.Subject{"aa"})
	require.NoError(t, err)

	assert.Equal(t, StatusEventful, summary.Status)
	assert.Equal(t, int64(3), comp.calls.Load())
}

func TestRun_RetryBudgetExhaustedFailsSubject(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	var left atomic.Int64
	left.Store(100)
	comp.failuresLeft = map[model.Subject]*atomic.Int64{"aa": &left}

	p := New(store, comp, nil, Options{LookupRetries: 2, LookupDelay: time.Millisecond}, nil)
	_, err := p.Run(context.Background(), []model.Subject{"aa"})
	require.Error(t, err)
	assert.Equal(t, int64(3), comp.calls.Load()) // initial try plus two retries
}

func TestRun_NonRetryableErrorIsNotRetried(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	comp.failWith = map[model.Subject]error{
		"aa": ferrors.New(ferrors.ErrCodeComputeFailed, "crash", nil),
	}
	p := New(store, comp, nil, Options{LookupRetries: 5, LookupDelay: time.Millisecond}, nil)

	_, err := p.Run(context.Background(), []model.Subject{"aa"})
	require.Error(t, err)
	assert.Equal(t, int64(1), comp.calls.Load())
}

func TestRun_MergeableKindUsesUnionWrites(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentLicense)
	comp.rows = func(subject model.Subject, _ []byte) []model.Row {
		return []model.Row{{Subject: subject, Payload: model.LicensePayload("MIT", "ISC")}}
	}
	p := New(store, comp, nil, Options{}, nil)
	ctx := context.Background()

	summary, err := p.Run(ctx, []model.Subject{"aa"})
	require.NoError(t, err)
	assert.Equal(t, StatusEventful, summary.Status)
	assert.Equal(t, 2, summary.Written[model.KindContentLicense])

	rows, err := store.Get(ctx, model.KindContentLicense, []model.Subject{"aa"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.ElementsMatch(t, []any{"MIT", "ISC"}, rows[0].Payload["licenses"])
}

func TestRun_PrefetchHandsContentToComputer(t *testing.T) {
	store := storage.NewMemory(nil)
	objects := objstore.NewMemory()
	objects.Put("aa", []byte(`{"name":"pkg"}`))

	var seen [][]byte
	comp := newFakeComputer(model.KindContentMimetype)
	comp.rows = func(subject model.Subject, content []byte) []model.Row {
		seen = append(seen, content)
		if content == nil {
			return nil
		}
		return []model.Row{{Subject: subject, Payload: model.MimetypePayload("text/plain", "utf-8")}}
	}

	p := New(store, comp, objects, Options{Workers: 1}, nil)
	summary, err := p.Run(context.Background(), []model.Subject{"aa", "bb"})
	require.NoError(t, err)

	// Absent content arrives as nil and produces no rows; present content
	// arrives intact.
	require.Len(t, seen, 2)
	assert.Equal(t, 1, summary.Computed)
	assert.Equal(t, StatusEventful, summary.Status)
}

func TestRun_UnknownKindFailsFast(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.Kind("bogus"))
	p := New(store, comp, nil, Options{}, nil)

	summary, err := p.Run(context.Background(), []model.Subject{"aa"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, ferrors.ErrCodeUnknownKind, ferrors.GetCode(err))
}

func TestTool_RegistersOnce(t *testing.T) {
	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	p := New(store, comp, nil, Options{}, nil)
	ctx := context.Background()

	first, err := p.Tool(ctx)
	require.NoError(t, err)
	again, err := p.Tool(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestMimetypeComputer(t *testing.T) {
	comp := MimetypeComputer{}
	ctx := context.Background()

	rows, err := comp.Compute(ctx, "aa", []byte("plain text content"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "text/plain", rows[0].Payload["mimetype"])
	assert.Equal(t, "utf-8", rows[0].Payload["encoding"])

	// Absent content yields nothing.
	rows, err = comp.Compute(ctx, "aa", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestContentMetadataComputer(t *testing.T) {
	comp := ContentMetadataComputer{}
	ctx := context.Background()

	rows, err := comp.Compute(ctx, "aa", []byte(`{"name":"leftpad","version":"1.0.0"}`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	md := rows[0].Payload["metadata"].(map[string]any)
	assert.Equal(t, "leftpad", md["name"])

	// Non-manifest content is not applicable, not an error.
	rows, err = comp.Compute(ctx, "aa", []byte("#!/bin/sh\necho hi"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDirectoryMetadataComputer(t *testing.T) {
	graph := archive.NewMemory()
	objects := objstore.NewMemory()
	ctx := context.Background()
	comp := DirectoryMetadataComputer{Graph: graph, Objects: objects}

	objects.Put("cc", []byte(`{"name":"leftpad","license":"MIT"}`))
	graph.PutDirectory("dd", []archive.DirEntry{
		{Name: "README.md", Type: "file", Target: "ee"},
		{Name: "package.json", Type: "file", Target: "cc"},
	})

	rows, err := comp.Compute(ctx, "dd", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	md := rows[0].Payload["metadata"].(map[string]any)
	assert.Equal(t, "leftpad", md["name"])
	assert.Equal(t, "MIT", md["license"])

	// A directory without a manifest yields nothing.
	graph.PutDirectory("ff", []archive.DirEntry{{Name: "main.go", Type: "file", Target: "ee"}})
	rows, err = comp.Compute(ctx, "ff", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// A not-yet-replicated directory is a retryable lagging lookup.
	_, err = comp.Compute(ctx, "9999", nil)
	require.Error(t, err)
	assert.True(t, ferrors.IsRetryable(err))
}

func TestOriginMetadataComputer(t *testing.T) {
	graph := archive.NewMemory()
	objects := objstore.NewMemory()
	ctx := context.Background()
	comp := OriginMetadataComputer{Graph: graph, Objects: objects}

	objects.Put("cc", []byte(`{"name":"leftpad"}`))
	graph.PutDirectory("dd", []archive.DirEntry{
		{Name: "package.json", Type: "file", Target: "cc"},
	})
	graph.PutOriginHead("https://example.com/leftpad.git", "dd")

	rows, err := comp.Compute(ctx, "https://example.com/leftpad.git", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "dd", rows[0].Payload["from_directory"])
	md := rows[0].Payload["metadata"].(map[string]any)
	assert.Equal(t, "leftpad", md["name"])

	// Unknown origins lag until the graph catches up.
	_, err = comp.Compute(ctx, "https://example.com/missing.git", nil)
	require.Error(t, err)
	assert.True(t, ferrors.IsRetryable(err))
}

func TestLaggingGraphRecoversThroughPipelineRetry(t *testing.T) {
	store := storage.NewMemory(nil)
	graph := archive.NewMemory()
	objects := objstore.NewMemory()
	objects.Put("cc", []byte(`{"name":"leftpad"}`))

	comp := DirectoryMetadataComputer{Graph: graph, Objects: objects}
	p := New(store, comp, nil, Options{LookupRetries: 10, LookupDelay: 5 * time.Millisecond}, nil)

	// Make the directory visible while the pipeline is backing off.
	go func() {
		time.Sleep(15 * time.Millisecond)
		graph.PutDirectory("dd", []archive.DirEntry{
			{Name: "package.json", Type: "file", Target: "cc"},
		})
	}()

	summary, err := p.Run(context.Background(), []model.Subject{"dd"})
	require.NoError(t, err)
	assert.Equal(t, StatusEventful, summary.Status)
}
